package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hsdfat/diam-engine/pkg/capture"
	"github.com/hsdfat/diam-engine/pkg/dict"
	"github.com/hsdfat/diam-engine/pkg/logger"
	"github.com/hsdfat/diam-engine/pkg/metrics"
	"github.com/hsdfat/diam-engine/pkg/transaction"
)

func main() {
	var (
		pcapFile  = flag.String("pcap", "", "Path to the capture file")
		csvFile   = flag.String("csv", "", "Path to a CSV message trace")
		dictFiles = flag.String("dict", "", "Comma-separated extra dictionary files")
		verbose   = flag.Bool("v", false, "Print every message")
		logLevel  = flag.String("log-level", "warn", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	if (*pcapFile == "") == (*csvFile == "") {
		fmt.Fprintf(os.Stderr, "Error: exactly one of -pcap or -csv is required\n")
		flag.Usage()
		os.Exit(1)
	}
	log := logger.New("diam-inspect", *logLevel)

	if *csvFile != "" {
		f, err := os.Open(*csvFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening trace: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		if err := inspectTrace(os.Stdout, f, *verbose, log); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	d, err := loadDictionary(*dictFiles)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading dictionary: %v\n", err)
		os.Exit(1)
	}

	f, err := os.Open(*pcapFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening capture: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	if err := inspect(os.Stdout, f, d, *verbose, log); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadDictionary(files string) (*dict.Dictionary, error) {
	if files == "" {
		return dict.Default(), nil
	}
	d := dict.NewDefault()
	for _, path := range strings.Split(files, ",") {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		fh, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		err = d.Load(fh)
		fh.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return d, nil
}

// inspect decodes every message in the capture, pairs requests with answers
// by Session-Id and writes the counters and the transaction report to w.
func inspect(w io.Writer, r io.Reader, d *dict.Dictionary, verbose bool, log logger.Logger) error {
	rd, err := capture.NewReader(r, d)
	if err != nil {
		return err
	}
	tracker := transaction.New(d, log)
	requests, answers := metrics.NewMessageTypeMetrics(), metrics.NewMessageTypeMetrics()
	var malformed int

	for {
		p, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if p.Err != nil {
			malformed++
			fmt.Fprintf(w, "%s %s -> %s malformed: %v\n", p.Time.Format("15:04:05.000000"), p.Src, p.Dst, p.Err)
			continue
		}
		if verbose {
			fmt.Fprintf(w, "%s %s -> %s %s\n", p.Time.Format("15:04:05.000000"), p.Src, p.Dst, p.Message)
		}
		if p.Message.IsRequest() {
			requests.Increment(p.Message.CommandCode)
		} else {
			answers.Increment(p.Message.CommandCode)
		}
		// Base protocol exchanges carry no Session-Id.
		if p.Message.SessionID() != "" {
			tracker.Track(p.Message)
		}
	}

	fmt.Fprint(w, metrics.FormatMetrics("Request", requests))
	fmt.Fprint(w, metrics.FormatMetrics("Answer", answers))
	if malformed > 0 {
		fmt.Fprintf(w, "\nMalformed messages: %d\n", malformed)
	}
	return tracker.Report(w)
}

// inspectTrace reads a CSV message trace, checks each message against the
// fields a trace records and writes the transaction report to w. Invalid
// lines are listed and skipped.
func inspectTrace(w io.Writer, r io.Reader, verbose bool, log logger.Logger) error {
	msgs, skipped, err := transaction.ReadTrace(r, log)
	if err != nil {
		return err
	}
	for _, s := range skipped {
		fmt.Fprintf(w, "Skipping invalid %v\n", s)
	}

	tracker := transaction.New(transaction.TraceRules{}, log)
	requests, answers := metrics.NewMessageTypeMetrics(), metrics.NewMessageTypeMetrics()
	for _, m := range msgs {
		if verbose {
			fmt.Fprintln(w, m)
		}
		if m.IsRequest() {
			requests.Increment(m.CommandCode)
		} else {
			answers.Increment(m.CommandCode)
		}
		tracker.Track(m)
	}

	fmt.Fprint(w, metrics.FormatMetrics("Request", requests))
	fmt.Fprint(w, metrics.FormatMetrics("Answer", answers))
	if len(skipped) > 0 {
		fmt.Fprintf(w, "\nSkipped lines: %d\n", len(skipped))
	}
	return tracker.Report(w)
}

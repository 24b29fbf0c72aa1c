package admin

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hsdfat/diam-engine/models_base"
	"github.com/hsdfat/diam-engine/pkg/avp"
	"github.com/hsdfat/diam-engine/pkg/connection"
	"github.com/hsdfat/diam-engine/pkg/dict"
	"github.com/hsdfat/diam-engine/pkg/logger"
	"github.com/hsdfat/diam-engine/pkg/manager"
	"github.com/hsdfat/diam-engine/pkg/message"
	"github.com/hsdfat/diam-engine/pkg/peer"
	"github.com/hsdfat/diam-engine/pkg/router"
	"github.com/hsdfat/diam-engine/pkg/transaction"
)

var quiet = logger.New("test-admin", "error")

type table struct {
	peers []*peer.Peer
}

func (t *table) Peers() []*peer.Peer { return t.peers }

func (t *table) Stats() manager.Stats {
	return manager.Stats{Accepted: 3, LivePeers: len(t.peers)}
}

// openPeer returns a responder peer that completed the capabilities exchange
// with a scripted remote. The remote answers a DPR.
func openPeer(t *testing.T, host string) *peer.Peer {
	t.Helper()
	cfg := peer.DefaultConfig()
	cfg.OriginHost, cfg.OriginRealm = "local.example", "example"
	cfg.HostIPAddresses = []net.IP{net.IPv4(127, 0, 0, 1)}
	cfg.AuthApplicationIDs = []uint32{message.AppS6a}
	cfg.Logger = quiet
	cfg.Transport = &connection.Config{Dictionary: dict.Default()}
	cfg.IDs = message.NewIDGenerator(time.Now())

	local, far := net.Pipe()
	p := peer.New(cfg, nil)
	require.NoError(t, p.Accept(local))
	remote := connection.New(far, &connection.Config{Dictionary: dict.Default(), Logger: quiet})
	t.Cleanup(func() {
		remote.Close()
		p.Close()
	})

	cer := message.NewRequest(message.CodeCapabilitiesExchange, 0,
		message.NewOriginHost(host),
		message.NewOriginRealm("example"),
		avp.New(message.AVPHostIPAddress, avp.Mandatory, 0, models_base.Address(net.IPv4(127, 0, 0, 2).To4())),
		message.NewUnsigned32(message.AVPVendorID, 0),
		avp.New(message.AVPProductName, 0, 0, models_base.UTF8String("hss")),
		message.NewUnsigned32(message.AVPAuthApplicationID, message.AppS6a),
	)
	cer.HopByHopID, cer.EndToEndID = 1, 1
	require.NoError(t, remote.SendMessage(cer))
	go func() {
		for m := range remote.Messages() {
			if m.CommandCode == message.CodeDisconnectPeer && m.IsRequest() {
				ans := m.Answer()
				ans.Add(message.NewResultCode(message.ResultSuccess))
				remote.SendMessage(ans)
			}
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, p.WaitOpen(ctx))
	return p
}

func get(t *testing.T, srv *httptest.Server, path string, v any) int {
	t.Helper()
	resp, err := srv.Client().Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestPeersEndpoints(t *testing.T) {
	hss := openPeer(t, "hss.example")
	idle := peer.New(peer.DefaultConfig(), nil)
	srv := httptest.NewServer(New(Config{Peers: &table{peers: []*peer.Peer{idle, hss}}, Logger: quiet}))
	defer srv.Close()

	var list []PeerStatus
	require.Equal(t, http.StatusOK, get(t, srv, "/peers", &list))
	require.Len(t, list, 2)
	assert.Equal(t, "Closed", list[0].State)
	assert.Equal(t, "hss.example", list[1].OriginHost)
	assert.Equal(t, "Open", list[1].State)
	assert.Equal(t, "responder", list[1].Role)
	assert.Equal(t, []uint32{message.AppS6a}, list[1].Applications)
	assert.NotNil(t, list[1].OpenedAt)

	var one PeerStatus
	require.Equal(t, http.StatusOK, get(t, srv, "/peers/hss.example", &one))
	assert.Equal(t, "pipe", one.RemoteAddr)
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/peers/unknown.example", nil))

	resp, err := srv.Client().Post(srv.URL+"/peers/hss.example/disconnect", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, peer.Closed, hss.State())
	assert.ErrorIs(t, hss.Err(), peer.ErrDisconnected)
}

func TestStatsAndHealth(t *testing.T) {
	tr := transaction.New(nil, quiet)
	tr.Track(message.NewRequest(316, message.AppS6a, message.NewSessionID("s;1")))
	srv := httptest.NewServer(New(Config{
		Peers:        &table{},
		Router:       func() router.Stats { return router.Stats{Undeliverable: 2} },
		Transactions: tr.Summary,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "metric 1\n")
		}),
		Logger: quiet,
	}))
	defer srv.Close()

	var stats StatsResponse
	require.Equal(t, http.StatusOK, get(t, srv, "/stats", &stats))
	require.NotNil(t, stats.Manager)
	require.NotNil(t, stats.Router)
	require.NotNil(t, stats.Transactions)
	assert.Equal(t, uint64(3), stats.Manager.Accepted)
	assert.Equal(t, uint64(2), stats.Router.Undeliverable)
	assert.Equal(t, uint64(1), stats.Transactions.Incomplete)

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	resp, err = srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "metric 1\n", string(body))
}

func TestStatsWithoutComponents(t *testing.T) {
	srv := httptest.NewServer(New(Config{}))
	defer srv.Close()
	var stats StatsResponse
	require.Equal(t, http.StatusOK, get(t, srv, "/stats", &stats))
	assert.Nil(t, stats.Manager)
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/peers", nil))
}

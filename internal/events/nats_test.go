package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fyrsmithlabs/insightd/internal/insight"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()

	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func connectTest(t *testing.T, server *natsserver.Server) *nats.Conn {
	t.Helper()
	nc, err := Connect(ConnectOptions{URL: server.ClientURL(), Name: "events-test"}, nil)
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "insightd.insight.promoted", Subject("", insight.EventPromoted))
	assert.Equal(t, "acme.insight.reopen_cap_exceeded", Subject("acme.", insight.EventReopenCapExceeded))
}

func TestNATSPublisher_PublishesJSON(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connectTest(t, server)

	msgs := make(chan *nats.Msg, 4)
	sub, err := nc.ChanSubscribe("acme.insight.>", msgs)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	pub := NewNATSPublisher(nc, "acme")
	require.NoError(t, pub.Publish(context.Background(), testEvent(insight.EventPromoted)))

	select {
	case msg := <-msgs:
		assert.Equal(t, "acme.insight.promoted", msg.Subject)
		assert.Equal(t, "evt-1", msg.Header.Get(nats.MsgIdHdr))

		var got insight.Event
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, testEvent(insight.EventPromoted), got)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestSubscribeNATS_RoundTrip(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connectTest(t, server)

	got := make(chan insight.Event, 4)
	sub, err := SubscribeNATS(nc, "", func(_ context.Context, e insight.Event) error {
		got <- e
		return nil
	}, nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	// Garbage on the same subject tree is dropped, not delivered.
	require.NoError(t, nc.Publish("insightd.insight.created", []byte("not json")))

	pub := NewNATSPublisher(nc, "")
	require.NoError(t, pub.Publish(context.Background(), testEvent(insight.EventReopened)))
	require.NoError(t, nc.Flush())

	select {
	case e := <-got:
		assert.Equal(t, insight.EventReopened, e.Type)
		assert.Equal(t, "ins-1", e.InsightID)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case e := <-got:
		t.Fatalf("unexpected extra event %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNATSPublisher_ClosedConnection(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connectTest(t, server)
	nc.Close()

	err := NewNATSPublisher(nc, "").Publish(context.Background(), testEvent(insight.EventCreated))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish insight:created")
}

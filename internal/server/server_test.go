// Integration tests for the relay gRPC service
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/nainya/chatrelay/internal/logger"
	"github.com/nainya/chatrelay/internal/metrics"
	"github.com/nainya/chatrelay/internal/relay"
	"github.com/nainya/chatrelay/pkg/bridge"
	"github.com/nainya/chatrelay/pkg/chat"
)

const bufSize = 1024 * 1024

type testNode struct {
	relay   *relay.Relay
	lis     *bufconn.Listener
	metrics *metrics.Metrics
	reg     *prometheus.Registry
}

func (n *testNode) dialer() grpc.DialOption {
	return grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
		return n.lis.Dial()
	})
}

func setupTestNode(t *testing.T, node string, fwd relay.Forwarder) (*testNode, func()) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	log := logger.Nop()

	rl := relay.New(relay.Config{
		Node:      node,
		Forwarder: fwd,
		Logger:    log,
		Metrics:   m,
	})
	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		rl.Run(ctx)
	}()

	lis := bufconn.Listen(bufSize)
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(PeerMetricsInterceptor(m, log)))
	RegisterRelayServiceServer(grpcServer, NewServer(rl))

	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			// Server closed is expected during cleanup
		}
	}()

	cleanup := func() {
		grpcServer.Stop()
		lis.Close()
		cancel()
		<-loopDone
	}
	return &testNode{relay: rl, lis: lis, metrics: m, reg: reg}, cleanup
}

func dialNode(t *testing.T, n *testNode) *grpc.ClientConn {
	conn, err := grpc.NewClient("passthrough:///bufnet",
		n.dialer(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("Failed to dial bufnet: %v", err)
	}
	return conn
}

func deliver(ctx context.Context, conn *grpc.ClientConn, from string, payload string) (*wrapperspb.BytesValue, error) {
	if from != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, NodeHeader, from)
	}
	out := new(wrapperspb.BytesValue)
	err := conn.Invoke(ctx, DeliverMethod, wrapperspb.Bytes([]byte(payload)), out)
	return out, err
}

func TestDeliverIncomingMessage(t *testing.T) {
	node, cleanup := setupTestNode(t, "alice", nil)
	defer cleanup()
	conn := dialNode(t, node)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := deliver(ctx, conn, "bob", `{"Send":{"target":"alice","message":"yo"}}`)
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if string(out.GetValue()) != `"Ack"` {
		t.Errorf("Expected Ack, got %s", out.GetValue())
	}

	out, err = deliver(ctx, conn, "bob", `"History"`)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	want := `{"History":{"messages":{"bob":[{"author":"bob","content":"yo"}]}}}`
	if string(out.GetValue()) != want {
		t.Errorf("History = %s, want %s", out.GetValue(), want)
	}
}

func TestDeliverErrors(t *testing.T) {
	node, cleanup := setupTestNode(t, "alice", nil)
	defer cleanup()
	conn := dialNode(t, node)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tests := []struct {
		name    string
		from    string
		payload string
		code    codes.Code
	}{
		{"missing identity", "", `"History"`, codes.Unauthenticated},
		{"malformed", "bob", `{"Send":`, codes.InvalidArgument},
		{"empty", "bob", ``, codes.InvalidArgument},
		{"misaddressed", "bob", `{"Send":{"target":"carol","message":"hi"}}`, codes.FailedPrecondition},
	}

	for _, tt := range tests {
		_, err := deliver(ctx, conn, tt.from, tt.payload)
		if got := status.Code(err); got != tt.code {
			t.Errorf("%s: code = %v, want %v (err %v)", tt.name, got, tt.code, err)
		}
	}
}

func TestClientForwardsBetweenNodes(t *testing.T) {
	bob, cleanupBob := setupTestNode(t, "bob", nil)
	defer cleanupBob()

	client := NewClient("alice", map[string]string{"bob": "passthrough:///bufnet"},
		bob.dialer(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	defer client.Close()

	alice, cleanupAlice := setupTestNode(t, "alice", client)
	defer cleanupAlice()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := alice.relay.Submit(ctx, bridge.HTTPRequest{
		Method:  http.MethodPost,
		Payload: []byte(`{"Send":{"target":"bob","message":"hi bob"}}`),
	})
	if err != nil || reply.Status != http.StatusCreated {
		t.Fatalf("local send: status %d, err %v", reply.Status, err)
	}

	// The forward runs off the loop; poll bob's history until it lands.
	var got []chat.Message
	for deadline := time.Now().Add(2 * time.Second); time.Now().Before(deadline); time.Sleep(10 * time.Millisecond) {
		resp, err := client.Forward(ctx, "bob", []byte(`"History"`))
		if err != nil {
			t.Fatalf("History forward failed: %v", err)
		}
		if resp.Kind != chat.KindHistoryResult {
			t.Fatalf("Expected History, got %+v", resp)
		}
		if got = resp.Messages["alice"]; len(got) > 0 {
			break
		}
	}
	if len(got) != 1 || got[0].Author != "alice" || got[0].Content != "hi bob" {
		t.Errorf("bob's archive for alice = %+v", got)
	}
}

func TestClientUnknownPeer(t *testing.T) {
	client := NewClient("alice", nil)
	defer client.Close()

	_, err := client.Forward(context.Background(), "nobody", []byte(`"History"`))
	if !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("Expected ErrUnknownPeer, got %v", err)
	}
}

func TestPeerMetricsRecorded(t *testing.T) {
	node, cleanup := setupTestNode(t, "alice", nil)
	defer cleanup()
	conn := dialNode(t, node)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := deliver(ctx, conn, "bob", `"History"`); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	obs := NewObservabilityServer(":0", node.reg, node.relay.Running, logger.Nop())
	rec := httptest.NewRecorder()
	obs.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, `chatrelay_peer_requests_total{method="/chatrelay.Relay/Deliver",status="success"} 1`) {
		t.Errorf("peer request counter missing from metrics output:\n%s", body)
	}

	rec = httptest.NewRecorder()
	obs.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "chatrelay") {
		t.Errorf("health = %d %s", rec.Code, rec.Body.String())
	}
}

func TestReadyFollowsRelayLoop(t *testing.T) {
	rl := relay.New(relay.Config{Node: "alice"})
	obs := NewObservabilityServer(":0", prometheus.NewRegistry(), rl.Running, logger.Nop())

	ready := func() int {
		rec := httptest.NewRecorder()
		obs.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		return rec.Code
	}

	if code := ready(); code != http.StatusServiceUnavailable {
		t.Fatalf("ready before Run = %d, want 503", code)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		rl.Run(ctx)
	}()

	deadline := time.Now().Add(time.Second)
	for ready() != http.StatusOK {
		if time.Now().After(deadline) {
			t.Fatal("ready never reported 200 while the loop was running")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-stopped
	if code := ready(); code != http.StatusServiceUnavailable {
		t.Errorf("ready after stop = %d, want 503", code)
	}
}

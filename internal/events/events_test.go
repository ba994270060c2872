package events

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"gpos/backend/internal/domain"
)

func TestKafkaWriterIsBounded(t *testing.T) {
	p := NewKafkaPublisher([]string{"127.0.0.1:9092"}, "gpos.events")
	if p.writer.MaxAttempts != 3 || p.writer.WriteTimeout <= 0 || p.writer.ReadTimeout <= 0 {
		t.Fatalf("expected bounded retries and io timeouts, got %+v", p.writer)
	}
	if p.timeout != publishTimeout {
		t.Fatalf("expected publish timeout %s, got %s", publishTimeout, p.timeout)
	}
}

// A broker that accepts connections and never answers must not hold the
// caller past the publish timeout.
func TestKafkaPublishGivesUpOnSilentBroker(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()

	p := NewKafkaPublisher([]string{listener.Addr().String()}, "gpos.events")
	p.timeout = 200 * time.Millisecond
	t.Cleanup(func() { _ = p.Close() })
	t.Cleanup(func() {
		_ = listener.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range conns {
			_ = conn.Close()
		}
	})

	started := time.Now()
	err = p.Publish(context.Background(), domain.Event{Type: domain.EventInvoiceCreated, Key: "ACC-SINV-1"})
	if err == nil {
		t.Fatalf("expected publish to a silent broker to fail")
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("publish blocked for %s", elapsed)
	}
}

func TestRecorderKeepsOrder(t *testing.T) {
	r := &Recorder{}
	for _, typ := range []string{domain.EventShiftOpened, domain.EventShiftClosed} {
		if err := r.Publish(context.Background(), domain.Event{Type: typ}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	types := r.Types()
	if len(types) != 2 || types[0] != domain.EventShiftOpened || types[1] != domain.EventShiftClosed {
		t.Fatalf("unexpected types %v", types)
	}
}

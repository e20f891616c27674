package intercept

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"firestige.xyz/srte/internal/config"
	"firestige.xyz/srte/internal/core"
	"firestige.xyz/srte/internal/decoder"
	"firestige.xyz/srte/internal/log"
	"firestige.xyz/srte/internal/notify"
	"firestige.xyz/srte/internal/srdb"
	"firestige.xyz/srte/internal/srh"
)

var (
	hostA = netip.MustParseAddr("2001:db8:1::10")
	hostB = netip.MustParseAddr("2001:db8:2::20")
	wpA   = netip.MustParseAddr("fc00::a")
	wpB   = netip.MustParseAddr("fc00::b")
	wpC   = netip.MustParseAddr("fc00::c")
)

type chanQueue struct {
	packets  chan QueuedPacket
	mu       sync.Mutex
	verdicts map[uint32]Verdict
	issued   chan uint32
}

func newChanQueue() *chanQueue {
	return &chanQueue{
		packets:  make(chan QueuedPacket, 16),
		verdicts: make(map[uint32]Verdict),
		issued:   make(chan uint32, 16),
	}
}

func (q *chanQueue) Next(ctx context.Context) (QueuedPacket, error) {
	select {
	case <-ctx.Done():
		return QueuedPacket{}, ctx.Err()
	case p := <-q.packets:
		return p, nil
	}
}

func (q *chanQueue) Verdict(id uint32, v Verdict) error {
	q.mu.Lock()
	q.verdicts[id] = v
	q.mu.Unlock()
	q.issued <- id
	return nil
}

func (q *chanQueue) Close() error { return nil }

type recordingDispatcher struct {
	mu     sync.Mutex
	offers []notify.Offer
	err    error
}

func (d *recordingDispatcher) Dispatch(o notify.Offer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.offers = append(d.offers, o)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.offers)
}

func testTopology(segments ...[]string) *Topology {
	topo := NewTopology(0, log.Discard())
	topo.Apply(srdb.RowEvent{Action: srdb.ActionInsert, Row: row("r1-r2", r1, r2, "2001:db8:1::/48", "2001:db8:2::/48", segments...)})
	return topo
}

func packet(t *testing.T, src, dst netip.Addr, routed *srh.Header) []byte {
	t.Helper()
	tcp := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(tcp, gopacket.SerializeOptions{FixLengths: true},
		&layers.TCP{SrcPort: 40000, DstPort: 80, SYN: true, Window: 1024}))

	ip := &layers.IPv6{Version: 6, NextHeader: layers.IPProtocolTCP, HopLimit: 64, SrcIP: net.IP(src.AsSlice()), DstIP: net.IP(dst.AsSlice())}
	payload := tcp.Bytes()
	if routed != nil {
		ip.NextHeader = layers.IPProtocolIPv6Routing
		ip.DstIP = net.IP(routed.Segments[routed.SegmentsLeft].AsSlice())
		payload = append(routed.Marshal(), payload...)
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, ip, gopacket.Payload(payload)))
	return buf.Bytes()
}

func applied(t *testing.T, dst netip.Addr, waypoints ...netip.Addr) *srh.Header {
	t.Helper()
	h, err := srh.Build(dst, waypoints, false)
	require.NoError(t, err)
	h.NextHeader = core.ProtoTCP
	return h
}

func newInterceptor(topo *Topology, d OfferDispatcher, limiter *SourceLimiter) *Interceptor {
	return New(Options{Topology: topo, Dispatch: d, Limiter: limiter}, log.Discard())
}

func TestHandleOffersPathInAuthoredOrder(t *testing.T) {
	d := &recordingDispatcher{}
	in := newInterceptor(testTopology([]string{"fc00::a", "fc00::b"}), d, nil)

	o, err := in.Handle(context.Background(), decoder.NewClassifier(), packet(t, hostA, hostB, nil))
	require.NoError(t, err)
	require.Equal(t, 1, d.count())

	assert.Equal(t, hostA, o.Tuple.Src)
	assert.Equal(t, hostB, o.Tuple.Dst)
	assert.Equal(t, hostB, o.Header.Destination())
	assert.Equal(t, []netip.Addr{wpA, wpB}, o.Header.Waypoints())
	assert.Equal(t, core.ProtoTCP, o.Header.NextHeader)
	assert.Equal(t, o.Header.Marshal(), o.Tuple.SRH)
	assert.Len(t, o.Context, decoder.ContextLen)
}

func TestHandleReversesForFlowsFromSecondRouter(t *testing.T) {
	d := &recordingDispatcher{}
	in := newInterceptor(testTopology([]string{"fc00::a", "fc00::b"}), d, nil)

	o, err := in.Handle(context.Background(), decoder.NewClassifier(), packet(t, hostB, hostA, nil))
	require.NoError(t, err)
	assert.Equal(t, hostA, o.Header.Destination())
	assert.Equal(t, []netip.Addr{wpB, wpA}, o.Header.Waypoints())
}

func TestHandleRoutedFlowMovesToAnotherPath(t *testing.T) {
	d := &recordingDispatcher{}
	in := newInterceptor(testTopology([]string{"fc00::a"}, []string{"fc00::b"}, []string{"fc00::c"}), d, nil)
	current := applied(t, hostB, wpA)

	c := decoder.NewClassifier()
	for i := 0; i < 30; i++ {
		o, err := in.Handle(context.Background(), c, packet(t, hostA, hostB, current))
		require.NoError(t, err)
		assert.Equal(t, hostB, o.Tuple.Dst, "final destination comes from the routing header")
		assert.NotEqual(t, current.Key(), o.Header.Key())
		assert.True(t, slices.Contains([]netip.Addr{wpB, wpC}, o.Header.Waypoints()[0]))
	}
}

func TestHandleRoutedFlowICMPOfferKeepsFinalDestination(t *testing.T) {
	in := newInterceptor(testTopology([]string{"fc00::a"}, []string{"fc00::b"}), &recordingDispatcher{}, nil)

	o, err := in.Handle(context.Background(), decoder.NewClassifier(), packet(t, hostA, hostB, applied(t, hostB, wpA)))
	require.NoError(t, err)
	require.Equal(t, hostB, o.Tuple.Dst)

	b, err := notify.MarshalICMP(o)
	require.NoError(t, err)
	got, err := notify.ParseICMP(b)
	require.NoError(t, err)
	assert.Equal(t, hostA, got.Tuple.Src)
	assert.Equal(t, hostB, got.Tuple.Dst)
	assert.Equal(t, hostB, got.Header.Destination())
	assert.Equal(t, []netip.Addr{wpB}, got.Header.Waypoints())
}

func TestHandleDeclinesWithoutAlternative(t *testing.T) {
	d := &recordingDispatcher{}
	in := newInterceptor(testTopology([]string{"fc00::a"}), d, nil)

	_, err := in.Handle(context.Background(), decoder.NewClassifier(), packet(t, hostA, hostB, applied(t, hostB, wpA)))
	assert.ErrorIs(t, err, core.ErrNoAlternative)
	assert.Equal(t, 0, d.count())
}

func TestHandleErrors(t *testing.T) {
	outside := netip.MustParseAddr("2001:db8:9::1")
	sameSide := netip.MustParseAddr("2001:db8:1::99")

	tests := []struct {
		name string
		data []byte
		d    *recordingDispatcher
		want error
	}{
		{"unknown destination", packet(t, hostA, outside, nil), &recordingDispatcher{}, core.ErrNoPath},
		{"unknown source", packet(t, outside, hostB, nil), &recordingDispatcher{}, core.ErrNoPath},
		{"same router", packet(t, hostA, sameSide, nil), &recordingDispatcher{}, core.ErrNoPath},
		{"garbage", []byte{0x60, 1, 2}, &recordingDispatcher{}, core.ErrPacketTooShort},
		{"dispatch full", packet(t, hostA, hostB, nil), &recordingDispatcher{err: errors.New("queue full")}, core.ErrTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := newInterceptor(testTopology([]string{"fc00::a"}), tt.d, nil)
			_, err := in.Handle(context.Background(), decoder.NewClassifier(), tt.data)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, 0, tt.d.count())
		})
	}
}

func TestHandleRateLimitsPerSource(t *testing.T) {
	d := &recordingDispatcher{}
	limiter := NewSourceLimiter(config.RateLimitConfig{MaxPerSource: 2, Window: time.Hour})
	in := newInterceptor(testTopology([]string{"fc00::a"}), d, limiter)

	c := decoder.NewClassifier()
	for i := 0; i < 2; i++ {
		_, err := in.Handle(context.Background(), c, packet(t, hostA, hostB, nil))
		require.NoError(t, err)
	}
	_, err := in.Handle(context.Background(), c, packet(t, hostA, hostB, nil))
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 2, d.count())
}

func TestRunAlwaysDrops(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := newChanQueue()
	d := &recordingDispatcher{}
	in := New(Options{Queue: q, Topology: testTopology([]string{"fc00::a"}), Dispatch: d, Workers: 2}, log.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()

	q.packets <- QueuedPacket{ID: 1, Data: packet(t, hostA, hostB, nil)}
	q.packets <- QueuedPacket{ID: 2, Data: []byte("not a packet")}
	q.packets <- QueuedPacket{ID: 3, Data: packet(t, hostA, hostB, applied(t, hostB, wpA))}

	for i := 0; i < 3; i++ {
		select {
		case <-q.issued:
		case <-time.After(5 * time.Second):
			t.Fatal("verdict not issued")
		}
	}
	cancel()
	require.NoError(t, <-done)

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Equal(t, map[uint32]Verdict{1: VerdictDrop, 2: VerdictDrop, 3: VerdictDrop}, q.verdicts)
	assert.Equal(t, 1, d.count())
}

package intercept

import (
	"context"
	"fmt"
	"time"

	nfqueue "github.com/florianl/go-nfqueue"
	"golang.org/x/sys/unix"

	"firestige.xyz/srte/internal/core"
	"firestige.xyz/srte/internal/log"
	"firestige.xyz/srte/internal/metrics"
)

// Verdict is the fate of a queued packet.
type Verdict int

const (
	VerdictAccept Verdict = iota
	VerdictDrop
)

func (v Verdict) String() string {
	if v == VerdictDrop {
		return "drop"
	}
	return "accept"
}

// QueuedPacket is a packet held by the kernel until a verdict is issued.
type QueuedPacket struct {
	ID   uint32
	Data []byte
}

// PacketQueue hands out intercepted packets and takes verdicts by id.
type PacketQueue interface {
	Next(ctx context.Context) (QueuedPacket, error)
	Verdict(id uint32, v Verdict) error
	Close() error
}

// NFQueue reads packets from a netfilter queue. The netlink callback only
// copies packets into a buffered channel; when it is full the packet is
// dropped at once.
type NFQueue struct {
	nf      *nfqueue.Nfqueue
	packets chan QueuedPacket
	cancel  context.CancelFunc
	logger  log.Logger
}

// OpenNFQueue binds queue num and starts receiving. backlog sizes both the
// kernel queue and the channel.
func OpenNFQueue(num uint16, backlog int, logger log.Logger) (*NFQueue, error) {
	if backlog <= 0 {
		backlog = 1024
	}
	nf, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      num,
		MaxPacketLen: 0xffff,
		MaxQueueLen:  uint32(backlog),
		AfFamily:     unix.AF_INET6,
		Copymode:     nfqueue.NfQnlCopyPacket,
		WriteTimeout: 15 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open nfqueue %d: %v", core.ErrTransport, num, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &NFQueue{
		nf:      nf,
		packets: make(chan QueuedPacket, backlog),
		cancel:  cancel,
		logger:  logger.WithField("component", "nfqueue").WithField("queue", num),
	}
	if err := nf.RegisterWithErrorFunc(ctx, q.hook, q.onError); err != nil {
		cancel()
		nf.Close()
		return nil, fmt.Errorf("%w: register nfqueue %d: %v", core.ErrTransport, num, err)
	}
	return q, nil
}

func (q *NFQueue) hook(a nfqueue.Attribute) int {
	if a.PacketID == nil {
		return 0
	}
	var data []byte
	if a.Payload != nil {
		data = append([]byte(nil), (*a.Payload)...)
	}
	select {
	case q.packets <- QueuedPacket{ID: *a.PacketID, Data: data}:
	default:
		metrics.InterceptPacketsTotal.WithLabelValues("backlog_full").Inc()
		if err := q.nf.SetVerdict(*a.PacketID, nfqueue.NfDrop); err != nil {
			q.logger.WithError(err).Debug("verdict for overflowing packet failed")
		}
	}
	return 0
}

func (q *NFQueue) onError(err error) int {
	q.logger.WithError(err).Warn("nfqueue receive error")
	return 0
}

// Next blocks until a packet is queued or ctx is done.
func (q *NFQueue) Next(ctx context.Context) (QueuedPacket, error) {
	select {
	case <-ctx.Done():
		return QueuedPacket{}, ctx.Err()
	case p := <-q.packets:
		return p, nil
	}
}

// Verdict issues v for packet id.
func (q *NFQueue) Verdict(id uint32, v Verdict) error {
	nv := nfqueue.NfAccept
	if v == VerdictDrop {
		nv = nfqueue.NfDrop
	}
	return q.nf.SetVerdict(id, nv)
}

// Close stops receiving and releases the netlink socket.
func (q *NFQueue) Close() error {
	q.cancel()
	return q.nf.Close()
}

package srdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/srte/internal/config"
	"firestige.xyz/srte/internal/log"
)

func testPathModel(uuid, segments string) *pathModel {
	return &pathModel{
		UUID:     uuid,
		Addr1:    "fc00::1",
		Addr2:    "fc00::2",
		Prefixes: `[[{"address":"2001:db8:1::","prefixlen":48}],[{"address":"2001:db8:2::","prefixlen":48}]]`,
		Segments: segments,
		Bw:       100,
		Delay:    5,
	}
}

func newTestOVSDBFeed() *OVSDBFeed {
	return NewOVSDBFeed(config.OVSDBConfig{Server: "tcp:[::1]:6640", Database: "SR_test", Table: "Paths"}, log.Discard())
}

func TestOVSDBFeedTranslatesCacheEvents(t *testing.T) {
	f := newTestOVSDBFeed()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan RowEvent, 8)
	h := f.handler(ctx, events)

	h.OnAdd("Paths", testPathModel("2b7e", `[["fc00::a"]]`))
	h.OnUpdate("Paths", testPathModel("2b7e", `[["fc00::a"]]`), testPathModel("2b7e", `[["fc00::b"]]`))
	h.OnDelete("Paths", testPathModel("2b7e", `[["fc00::b"]]`))
	h.OnAdd("Other", testPathModel("ffff", `[]`))

	require.Len(t, events, 3)
	ev := <-events
	assert.Equal(t, ActionInsert, ev.Action)
	assert.Equal(t, "2b7e", ev.Row.UUID)
	assert.Equal(t, [][]string{{"fc00::a"}}, ev.Row.Segments)
	assert.Equal(t, uint64(100), ev.Row.Bandwidth)
	assert.Equal(t, uint64(5), ev.Row.Delay)

	ev = <-events
	assert.Equal(t, ActionUpdate, ev.Action)
	assert.Equal(t, [][]string{{"fc00::b"}}, ev.Row.Segments)

	assert.Equal(t, RowEvent{Action: ActionDelete, Row: PathRow{UUID: "2b7e"}}, <-events)
}

func TestOVSDBFeedSkipsUndecodableRows(t *testing.T) {
	f := newTestOVSDBFeed()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan RowEvent, 8)
	h := f.handler(ctx, events)

	bad := testPathModel("bad", `[["fc00::a"]]`)
	bad.Prefixes = `[[{`
	h.OnAdd("Paths", bad)
	h.OnAdd("Paths", testPathModel("good", `[["fc00::a"]]`))

	require.Len(t, events, 1)
	assert.Equal(t, "good", (<-events).Row.UUID)
}

func TestOVSDBFeedHandlerStopsOnCancel(t *testing.T) {
	f := newTestOVSDBFeed()
	ctx, cancel := context.WithCancel(context.Background())

	events := make(chan RowEvent)
	h := f.handler(ctx, events)
	cancel()

	done := make(chan struct{})
	go func() {
		h.OnAdd("Paths", testPathModel("2b7e", `[]`))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler blocked after cancel")
	}
}

func TestOVSDBFeedUnreachableServer(t *testing.T) {
	f := NewOVSDBFeed(config.OVSDBConfig{Server: "unix:/nonexistent/db.sock", Database: "SR_test", Table: "Paths"}, log.Discard())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, f.Run(ctx, func(RowEvent) {}))
}

package srdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/ovn-org/libovsdb/cache"
	"github.com/ovn-org/libovsdb/client"
	"github.com/ovn-org/libovsdb/model"

	"firestige.xyz/srte/internal/config"
	"firestige.xyz/srte/internal/core"
	"firestige.xyz/srte/internal/log"
	"firestige.xyz/srte/internal/metrics"
)

// pathModel is the libovsdb model of a Paths row.
type pathModel struct {
	UUID     string `ovsdb:"_uuid"`
	Addr1    string `ovsdb:"addr1"`
	Addr2    string `ovsdb:"addr2"`
	Prefixes string `ovsdb:"prefixes"`
	Segments string `ovsdb:"segments"`
	Bw       int    `ovsdb:"bw"`
	Delay    int    `ovsdb:"delay"`
}

func (p *pathModel) columns() map[string]interface{} {
	return map[string]interface{}{
		"uuid":     p.UUID,
		"addr1":    p.Addr1,
		"addr2":    p.Addr2,
		"prefixes": p.Prefixes,
		"segments": p.Segments,
		"bw":       p.Bw,
		"delay":    p.Delay,
	}
}

// OVSDBFeed monitors the Paths table of an OVSDB server and translates the
// cache events of the monitor into row events.
type OVSDBFeed struct {
	cfg    config.OVSDBConfig
	logger log.Logger
}

// NewOVSDBFeed creates a feed for the configured server and database.
func NewOVSDBFeed(cfg config.OVSDBConfig, logger log.Logger) *OVSDBFeed {
	return &OVSDBFeed{cfg: cfg, logger: logger.WithField("feed", "ovsdb")}
}

// Run connects, monitors the table and blocks until ctx is done or the
// connection drops.
func (f *OVSDBFeed) Run(ctx context.Context, emit func(RowEvent)) error {
	dbModel, err := model.NewClientDBModel(f.cfg.Database, map[string]model.Model{f.cfg.Table: &pathModel{}})
	if err != nil {
		return fmt.Errorf("%w: ovsdb model: %v", core.ErrConfigInvalid, err)
	}
	c, err := client.NewOVSDBClient(dbModel, client.WithEndpoint(f.cfg.Server))
	if err != nil {
		return fmt.Errorf("%w: ovsdb client: %v", core.ErrConfigInvalid, err)
	}
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("%w: connect %s: %v", core.ErrTransport, f.cfg.Server, err)
	}
	defer c.Close()

	events := make(chan RowEvent, 64)
	c.Cache().AddEventHandler(f.handler(ctx, events))
	if _, err := c.MonitorAll(ctx); err != nil {
		return fmt.Errorf("%w: monitor %s: %v", core.ErrTransport, f.cfg.Table, err)
	}
	f.logger.WithField("server", f.cfg.Server).WithField("database", f.cfg.Database).Info("monitoring paths table")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.DisconnectNotify():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.New("ovsdb connection lost")
		case ev := <-events:
			emit(ev)
		}
	}
}

// handler forwards cache events of the monitored table to events. A row that
// does not decode is logged and skipped.
func (f *OVSDBFeed) handler(ctx context.Context, events chan<- RowEvent) *cache.EventHandlerFuncs {
	forward := func(table string, action Action, m model.Model) {
		if table != f.cfg.Table {
			return
		}
		ev, ok := f.toEvent(action, m)
		if !ok {
			return
		}
		metrics.FeedEventsTotal.WithLabelValues("ovsdb", ev.Action.String()).Inc()
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}
	return &cache.EventHandlerFuncs{
		AddFunc: func(table string, m model.Model) {
			forward(table, ActionInsert, m)
		},
		UpdateFunc: func(table string, _, m model.Model) {
			forward(table, ActionUpdate, m)
		},
		DeleteFunc: func(table string, m model.Model) {
			forward(table, ActionDelete, m)
		},
	}
}

func (f *OVSDBFeed) toEvent(action Action, m model.Model) (RowEvent, bool) {
	p, ok := m.(*pathModel)
	if !ok {
		f.logger.Warnf("unexpected ovsdb model %T", m)
		return RowEvent{}, false
	}
	if action == ActionDelete {
		return RowEvent{Action: ActionDelete, Row: PathRow{UUID: p.UUID}}, true
	}
	row, err := DecodeRow(p.columns())
	if err != nil {
		f.logger.WithError(err).WithField("row", p.UUID).Warn("skipping undecodable paths row")
		return RowEvent{}, false
	}
	return RowEvent{Action: action, Row: row}, true
}

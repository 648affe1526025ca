package notify

import (
	"context"
	"sort"
	"time"

	"notifbox/internal/notify/model"
	"notifbox/internal/storage"
	"notifbox/internal/task/pool"
	logx "notifbox/pkg/logx"
)

type archiveCounts struct {
	archived int
	dropped  int
}

// ArchiveCompleted moves done messages into weekly archives of their
// registry and deletes the live copies. Messages whose policy skips the
// registry are deleted without being archived.
func (e *Engine) ArchiveCompleted(ctx context.Context) (Report, error) {
	start := time.Now()
	rep := newReport("archive")
	cfg := e.Config()

	q := storage.Query{
		Collection: model.CollNotifications,
		Where:      []storage.Filter{storage.Where("done", storage.OpEq, true)},
		Limit:      cfg.PageSize,
	}
	err := e.pages(ctx, q, func(docs []storage.Doc) {
		groups := map[string][]string{}
		for _, d := range docs {
			var n model.Notification
			if err := d.Decode(&n); err != nil {
				e.log.Warn("skipping undecodable message", logx.String("id", d.ID), logx.Err(err))
				rep.Visited++
				rep.Failed++
				continue
			}
			groups[n.BoxID] = append(groups[n.BoxID], n.ID)
		}

		boxes := make([]string, 0, len(groups))
		for id := range groups {
			boxes = append(boxes, id)
		}
		sort.Strings(boxes)

		type batch struct {
			box string
			ids []string
		}
		var batches []batch
		for _, box := range boxes {
			ids := groups[box]
			for len(ids) > 0 {
				n := min(len(ids), cfg.ArchiveBatch)
				batches = append(batches, batch{box: box, ids: ids[:n]})
				ids = ids[n:]
			}
		}

		counts := make([]archiveCounts, len(batches))
		tasks := make([]pool.Task, len(batches))
		for i, b := range batches {
			i, b := i, b
			tasks[i] = pool.Task{Name: "archive:" + b.box, Keys: []string{b.box}, Run: func(ctx context.Context) error {
				c, err := e.archiveBatch(ctx, b.box, b.ids)
				counts[i] = c
				return err
			}}
		}
		errs := pool.Runner{Limit: cfg.Parallelism, Log: e.log}.Run(ctx, tasks)
		for i, err := range errs {
			rep.Visited += len(batches[i].ids)
			if err != nil {
				e.log.Warn("archive batch failed", logx.String("box", batches[i].box), logx.Err(err))
				rep.Failed += len(batches[i].ids)
				rep.count("error", len(batches[i].ids))
				continue
			}
			rep.Succeeded += counts[i].archived + counts[i].dropped
			rep.count("archived", counts[i].archived)
			rep.count("dropped", counts[i].dropped)
		}
	})
	return e.closeSweep(rep, start, err)
}

// archiveBatch archives one box's messages in a single transaction.
func (e *Engine) archiveBatch(ctx context.Context, boxID string, ids []string) (archiveCounts, error) {
	now := e.now().UnixMilli()
	var c archiveCounts
	err := e.store.RunTx(ctx, func(tx storage.Tx) error {
		c = archiveCounts{}
		weeks := map[string]*model.Week{}
		latest := ""

		for _, id := range ids {
			var n model.Notification
			ok, err := tx.Get(model.CollNotifications, id, &n)
			if err != nil {
				return err
			}
			if !ok || !n.Done {
				continue
			}
			if !n.Policy.UsesBox() {
				c.dropped++
				if err := tx.Delete(model.CollNotifications, id); err != nil {
					return err
				}
				continue
			}
			code := model.WeekCode(time.UnixMilli(n.CreatedAt).UTC())
			w, err := openWeek(tx, weeks, boxID, code)
			if err != nil {
				return err
			}
			w.Items = append(w.Items, n.Content)
			w.UpdatedAt = now
			if code > latest {
				latest = code
			}
			c.archived++
			if err := tx.Delete(model.CollNotifications, id); err != nil {
				return err
			}
		}

		for id, w := range weeks {
			if err := tx.Set(model.CollWeeks, id, w); err != nil {
				return err
			}
		}
		if latest == "" {
			return nil
		}
		var b model.Box
		ok, err := tx.Get(model.CollBoxes, boxID, &b)
		if err != nil || !ok || latest <= b.WeekCode {
			return err
		}
		b.WeekCode = latest
		b.UpdatedAt = now
		return tx.Set(model.CollBoxes, boxID, &b)
	})
	if err == nil && c.archived+c.dropped > 0 {
		e.publish(EventArchived, map[string]any{"box": boxID, "archived": c.archived, "dropped": c.dropped})
	}
	return c, err
}

// openWeek returns the first part of the box's week archive with room,
// creating it when needed. Parts already loaded in this transaction are
// served from cache.
func openWeek(tx storage.Tx, cache map[string]*model.Week, boxID, code string) (*model.Week, error) {
	for part := 0; ; part++ {
		id := model.WeekID(boxID, code, part)
		w, ok := cache[id]
		if !ok {
			w = &model.Week{}
			found, err := tx.Get(model.CollWeeks, id, w)
			if err != nil {
				return nil, err
			}
			if !found {
				w = &model.Week{ID: id, BoxID: boxID, Code: code, Part: part}
			}
			cache[id] = w
		}
		if !w.Full() {
			return w, nil
		}
	}
}

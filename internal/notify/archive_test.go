package notify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"notifbox/internal/notify/model"
)

func TestArchiveCompleted(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.ArchiveBatch = 2
	env := newTestEnv(t, cfg, Options{})
	ctx := context.Background()
	b := env.seedBox(t, project, model.Recipient{Contact: model.Contact{Email: "a@x.io"}})

	week1 := model.WeekCode(env.clock.Now())
	for i := 0; i < 3; i++ {
		env.create(t, CreateRequest{ID: fmt.Sprintf("a%d", i), Target: project, Content: model.ContentItem{Type: "mail-only"}})
	}
	env.create(t, CreateRequest{ID: "explicit", Target: project, Policy: model.PolicyOnlyExplicit, Content: model.ContentItem{Type: "mail-only"},
		Explicit: []model.ExplicitRecipient{{Contact: model.Contact{Email: "x@x.io"}}}})
	env.clock.Advance(7 * 24 * time.Hour)
	week2 := model.WeekCode(env.clock.Now())
	env.create(t, CreateRequest{ID: "b0", Target: project, Content: model.ContentItem{Type: "mail-only"}})
	env.create(t, CreateRequest{ID: "pending", Target: project, Content: model.ContentItem{Type: "mail-only"}, SendAfter: env.clock.Now().Add(time.Hour)})

	if _, err := env.e.DrainQueued(ctx); err != nil {
		t.Fatalf("DrainQueued: %v", err)
	}
	rep, err := env.e.ArchiveCompleted(ctx)
	if err != nil {
		t.Fatalf("ArchiveCompleted: %v", err)
	}
	if rep.Counts["archived"] != 4 || rep.Counts["dropped"] != 1 || rep.Failed != 0 {
		t.Fatalf("report=%+v", rep)
	}

	w1, err := env.e.Week(ctx, model.WeekID(b.ID, week1, 0))
	if err != nil || len(w1.Items) != 3 {
		t.Fatalf("week1=%+v err=%v", w1, err)
	}
	w2, err := env.e.Week(ctx, model.WeekID(b.ID, week2, 0))
	if err != nil || len(w2.Items) != 1 || w2.Items[0].ID != "b0" {
		t.Fatalf("week2=%+v err=%v", w2, err)
	}
	box, _ := env.e.Box(ctx, b.ID)
	if box.WeekCode != week2 {
		t.Fatalf("box week=%q want %q", box.WeekCode, week2)
	}

	for _, id := range []string{"a0", "a1", "a2", "explicit", "b0"} {
		if _, err := env.e.Notification(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s not deleted: %v", id, err)
		}
	}
	if _, err := env.e.Notification(ctx, "pending"); err != nil {
		t.Fatalf("unfinished message archived: %v", err)
	}

	// Nothing left to archive.
	rep, err = env.e.ArchiveCompleted(ctx)
	if err != nil || rep.Visited != 0 {
		t.Fatalf("second sweep=%+v err=%v", rep, err)
	}
}

func TestArchiveRollsOverFullWeek(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, testConfig(), Options{})
	ctx := context.Background()
	b := env.seedBox(t, project)
	code := model.WeekCode(env.clock.Now())

	full := &model.Week{ID: model.WeekID(b.ID, code, 0), BoxID: b.ID, Code: code, Items: make([]model.ContentItem, model.WeekCapacity)}
	env.put(t, model.CollWeeks, full.ID, full)
	env.put(t, model.CollNotifications, "m1", &model.Notification{
		ID:        "m1",
		BoxID:     b.ID,
		Content:   model.ContentItem{ID: "m1", Type: "alert"},
		Done:      true,
		CreatedAt: env.clock.Now().UnixMilli(),
	})

	if _, err := env.e.ArchiveCompleted(ctx); err != nil {
		t.Fatalf("ArchiveCompleted: %v", err)
	}
	part1, err := env.e.Week(ctx, model.WeekID(b.ID, code, 1))
	if err != nil || len(part1.Items) != 1 || part1.Part != 1 {
		t.Fatalf("part1=%+v err=%v", part1, err)
	}
	w0, _ := env.e.Week(ctx, full.ID)
	if len(w0.Items) != model.WeekCapacity {
		t.Fatalf("full week grew to %d", len(w0.Items))
	}
}

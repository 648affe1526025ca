package notify

import (
	"context"
	"fmt"
	"testing"

	"notifbox/internal/notify/model"
	"notifbox/internal/storage"
)

func TestReconcileRemovedEntry(t *testing.T) {
	t.Parallel()
	cfg := model.UserBoxConfig{BoxID: "b", NeedsSync: true, LastIndex: 3}
	r := Reconcile(cfg, nil, nil)
	if r.Entry != nil || !r.Config.Removed || r.Config.NeedsSync || !r.ConfigChanged {
		t.Fatalf("result=%+v", r)
	}
	again := Reconcile(r.Config, nil, nil)
	if again.ConfigChanged {
		t.Fatalf("second pass changed config: %+v", again.Config)
	}
}

func TestReconcileFirstSyncAndIdempotence(t *testing.T) {
	t.Parallel()
	entry := model.Recipient{Index: 2, UserID: "u", Config: model.TypeConfig{"t": {Email: model.Off}}, Locked: true}
	cfg := model.UserBoxConfig{BoxID: "b", Config: model.TypeConfig{"t": {Text: model.Off}}, NeedsSync: true}
	global := model.TypeConfig{"t": {Summary: model.Off}}

	r := Reconcile(cfg, global, &entry)
	want := model.TypeConfig{"t": {Email: model.Off, Text: model.Off, Summary: model.Off}}
	if r.Entry == nil || !r.Entry.Config.Equal(want) {
		t.Fatalf("pushed entry=%+v", r.Entry)
	}
	if !r.Entry.Locked || !r.Config.Locked {
		t.Fatalf("lock not kept from live entry")
	}
	if !r.Config.Config.Equal(model.TypeConfig{"t": {Email: model.Off, Text: model.Off}}) {
		t.Fatalf("box-side toggles not adopted: %+v", r.Config.Config)
	}
	if r.Config.LastIndex != 2 || r.Config.NeedsSync || !r.Config.Applied.Equal(want) {
		t.Fatalf("config=%+v", r.Config)
	}

	again := Reconcile(r.Config, global, r.Entry)
	if again.Entry != nil || again.ConfigChanged {
		t.Fatalf("second pass not a no-op: %+v", again)
	}
}

func TestReconcilePrecedence(t *testing.T) {
	t.Parallel()
	entry := model.Recipient{Index: 1, Config: model.TypeConfig{"t": {Email: model.On, Text: model.On, Summary: model.On}}}
	cfg := model.UserBoxConfig{
		BoxID:     "b",
		LastIndex: 1,
		Applied:   entry.Config,
		Config:    model.TypeConfig{"t": {Email: model.Off, Text: model.Off}},
	}
	global := model.TypeConfig{"t": {Email: model.On}}

	r := Reconcile(cfg, global, &entry)
	want := model.TypeConfig{"t": {Email: model.On, Text: model.Off, Summary: model.On}}
	if r.Entry == nil || !r.Entry.Config.Equal(want) {
		t.Fatalf("entry=%+v want %v", r.Entry, want)
	}
}

func TestReconcileAdoptsBoxEdits(t *testing.T) {
	t.Parallel()
	applied := model.TypeConfig{"t": {Email: model.On}}
	cfg := model.UserBoxConfig{BoxID: "b", LastIndex: 4, Applied: applied, Config: model.TypeConfig{"t": {Email: model.On}}}
	// Someone muted email and opted out directly on the registry.
	entry := model.Recipient{Index: 4, Config: model.TypeConfig{"t": {Email: model.Off}}, OptOut: true}

	r := Reconcile(cfg, nil, &entry)
	if r.Entry != nil {
		t.Fatalf("entry already effective, got push %+v", r.Entry)
	}
	if r.Config.Config.Toggle("t", model.ChannelEmail) != model.Off || !r.Config.OptOut {
		t.Fatalf("edit not adopted: %+v", r.Config)
	}
	if !r.ConfigChanged {
		t.Fatalf("adoption must report a config change")
	}
}

func TestReconcileDriftAdoptsLiveEntry(t *testing.T) {
	t.Parallel()
	cfg := model.UserBoxConfig{
		BoxID:     "b",
		LastIndex: 1,
		Applied:   model.TypeConfig{"t": {Email: model.On}},
		Config:    model.TypeConfig{"t": {Email: model.On}},
	}
	// Removed and re-added: new index, email toggle equal to what was applied.
	entry := model.Recipient{Index: 7, Config: model.TypeConfig{"t": {Email: model.On, Text: model.Off}}}

	r := Reconcile(cfg, nil, &entry)
	if r.Entry != nil {
		t.Fatalf("unexpected push %+v", r.Entry)
	}
	if r.Config.LastIndex != 7 || r.Config.Config.Toggle("t", model.ChannelText) != model.Off {
		t.Fatalf("config=%+v", r.Config)
	}
}

func docVersion(t *testing.T, st storage.Store, coll, id string) int64 {
	t.Helper()
	docs, err := st.Query(context.Background(), storage.Query{Collection: coll})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	for _, d := range docs {
		if d.ID == id {
			return d.Version
		}
	}
	t.Fatalf("%s/%s not found", coll, id)
	return 0
}

func TestResyncUserPushesGlobal(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, testConfig(), Options{})
	ctx := context.Background()
	b := env.seedBox(t, project)

	if _, err := env.e.UpdateRecipient(ctx, RecipientUpdate{BoxID: b.ID, UserID: "u1", Insert: true}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := env.e.SetUserGlobal(ctx, "u1", model.TypeConfig{"alert": {Text: model.Off}}); err != nil {
		t.Fatalf("SetUserGlobal: %v", err)
	}

	res, err := env.e.ResyncUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ResyncUser: %v", err)
	}
	if res.Boxes != 1 || res.EntryWrites != 1 || res.Failed != 0 {
		t.Fatalf("result=%+v", res)
	}
	box, _ := env.e.Box(ctx, b.ID)
	if box.Recipients[0].Config.Toggle("alert", model.ChannelText) != model.Off {
		t.Fatalf("global override not pushed: %+v", box.Recipients[0])
	}
	u, _ := env.e.User(ctx, "u1")
	if u.NeedsSync || u.Config(b.ID).NeedsSync || u.Config(b.ID).LastIndex != box.Recipients[0].Index {
		t.Fatalf("user=%+v", u)
	}

	// Re-flag without changing anything: no further registry writes.
	boxVersion := docVersion(t, env.store, model.CollBoxes, b.ID)
	if _, err := env.e.SetUserBoxConfig(ctx, "u1", b.ID, BoxConfigUpdate{}); err != nil {
		t.Fatalf("SetUserBoxConfig: %v", err)
	}
	res, err = env.e.ResyncUser(ctx, "u1")
	if err != nil || res.EntryWrites != 0 || res.ConfigWrites != 1 {
		t.Fatalf("second resync=%+v err=%v", res, err)
	}
	if v := docVersion(t, env.store, model.CollBoxes, b.ID); v != boxVersion {
		t.Fatalf("box rewritten: version %d -> %d", boxVersion, v)
	}
	u, _ = env.e.User(ctx, "u1")
	if u.NeedsSync {
		t.Fatalf("user still flagged")
	}
}

func TestResyncUserEntryRemoved(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, testConfig(), Options{})
	ctx := context.Background()
	b := env.seedBox(t, project)
	if _, err := env.e.UpdateRecipient(ctx, RecipientUpdate{BoxID: b.ID, UserID: "u1", Insert: true}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := env.e.UpdateRecipient(ctx, RecipientUpdate{BoxID: b.ID, UserID: "u1", Remove: true}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := env.e.ResyncUser(ctx, "u1"); err != nil {
		t.Fatalf("ResyncUser: %v", err)
	}
	u, _ := env.e.User(ctx, "u1")
	c := u.Config(b.ID)
	if c == nil || !c.Removed || c.NeedsSync || u.NeedsSync {
		t.Fatalf("config=%+v", c)
	}
	if len(u.Boxes) != 0 {
		t.Fatalf("removed box still listed: %v", u.Boxes)
	}

	if _, err := env.e.UpdateRecipient(ctx, RecipientUpdate{BoxID: b.ID, UserID: "u1", Insert: true}); err != nil {
		t.Fatalf("re-insert: %v", err)
	}
	if _, err := env.e.ResyncUser(ctx, "u1"); err != nil {
		t.Fatalf("ResyncUser: %v", err)
	}
	u, _ = env.e.User(ctx, "u1")
	if c := u.Config(b.ID); c == nil || c.Removed || len(u.Boxes) != 1 || u.Boxes[0] != b.ID {
		t.Fatalf("after re-add: boxes=%v config=%+v", u.Boxes, c)
	}
}

func TestResyncAllFlagged(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, testConfig(), Options{})
	ctx := context.Background()
	b := env.seedBox(t, project)
	other := env.seedBox(t, model.TargetRef{Collection: "projects", ID: "p2"})

	for i := 0; i < 5; i++ {
		uid := fmt.Sprintf("u%d", i)
		for _, id := range []string{b.ID, other.ID} {
			if _, err := env.e.UpdateRecipient(ctx, RecipientUpdate{BoxID: id, UserID: uid, Insert: true}); err != nil {
				t.Fatalf("insert %s into %s: %v", uid, id, err)
			}
		}
	}

	rep, err := env.e.ResyncAllFlagged(ctx)
	if err != nil {
		t.Fatalf("ResyncAllFlagged: %v", err)
	}
	if rep.Visited != 5 || rep.Succeeded != 5 || rep.Failed != 0 {
		t.Fatalf("report=%+v", rep)
	}
	docs, err := env.store.Query(ctx, storage.Query{
		Collection: model.CollUsers,
		Where:      []storage.Filter{storage.Where("needsSync", storage.OpEq, true)},
	})
	if err != nil || len(docs) != 0 {
		t.Fatalf("flagged users left: %d err=%v", len(docs), err)
	}

	rep, err = env.e.ResyncAllFlagged(ctx)
	if err != nil || rep.Visited != 0 {
		t.Fatalf("second sweep=%+v err=%v", rep, err)
	}
}

package redis

import (
	"testing"
	"time"

	"github.com/goccy/go-json"

	"upstand-realtime/internal/livequery"
	"upstand-realtime/internal/models"
)

func mustDoc(t *testing.T, id, team string, at time.Time) livequery.Document {
	t.Helper()
	doc, err := livequery.ActivityDocument(team, "c1", models.ActivityItem{ID: id, Kind: models.ActivityUser, Timestamp: at})
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func TestChangeRoundTrip(t *testing.T) {
	doc := mustDoc(t, "a1", "t1", time.UnixMilli(1700000000000))
	for _, typ := range []models.ChangeType{models.ChangeAdded, models.ChangeModified} {
		raw, err := encodeChange(livequery.Change{Type: typ, Doc: doc})
		if err != nil {
			t.Fatal(err)
		}
		got, err := decodeChange(string(raw))
		if err != nil {
			t.Fatal(err)
		}
		if got.Type != typ || got.Doc.ID != "a1" || !got.Doc.Timestamp.Equal(doc.Timestamp) {
			t.Fatalf("decoded %+v", got)
		}
		if got.Doc.Fields[livequery.FieldTeamID] != "t1" {
			t.Fatalf("fields = %v", got.Doc.Fields)
		}
	}
}

func TestDecodeChangeRejectsMissingID(t *testing.T) {
	if _, err := decodeChange(`{"type":"added","doc":{}}`); err == nil {
		t.Fatal("expected error")
	}
	if _, err := decodeChange(`not json`); err == nil {
		t.Fatal("expected error")
	}
}

func TestSelectSnapshotFiltersAndSkipsBadEntries(t *testing.T) {
	base := time.UnixMilli(1700000000000)
	encode := func(d livequery.Document) string {
		raw, err := json.Marshal(d)
		if err != nil {
			t.Fatal(err)
		}
		return string(raw)
	}
	values := []interface{}{
		encode(mustDoc(t, "old", "t1", base)),
		nil,
		"{broken",
		encode(mustDoc(t, "new", "t1", base.Add(time.Minute))),
		encode(mustDoc(t, "other", "t2", base.Add(2*time.Minute))),
	}
	q := livequery.ActivityQuery(models.Scope{TeamID: "t1", CompanyID: "c1"}, 50)

	got := selectSnapshot(q, values)
	if len(got) != 2 || got[0].ID != "new" || got[1].ID != "old" {
		t.Fatalf("snapshot = %v", got)
	}
}

func TestKeys(t *testing.T) {
	if docKey("standups") != "upstand:doc:standups" || indexKey("standups") != "upstand:idx:standups" {
		t.Fatal("unexpected storage keys")
	}
	if collectionOf(changesKey("activity")) != "activity" {
		t.Fatal("collectionOf did not invert changesKey")
	}
	if teamOf("team:t9") != "t9" || teamOf("company:c1") != "" {
		t.Fatal("teamOf")
	}
}

func TestToBroadcast(t *testing.T) {
	env, err := models.NewEnvelope(models.EventUserOnline, "team:t1", models.PresenceData{UserId: "u1"}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := json.Marshal(env)
	msg, err := toBroadcast(string(raw))
	if err != nil {
		t.Fatal(err)
	}
	if msg.ChannelId != "team:t1" || string(msg.Payload) != string(raw) {
		t.Fatalf("broadcast = %+v", msg)
	}
	if _, err := toBroadcast(`{}`); err == nil {
		t.Fatal("expected error for frame without type")
	}
}

package mailbox

import (
	"context"
	"testing"
	"time"

	"recipe-ingestion/internal/models"
	"recipe-ingestion/internal/recipe"
	"recipe-ingestion/internal/store"
)

func TestCompletedNoticeCarriesPreviewOnly(t *testing.T) {
	job := models.Job{ID: "j1", UserID: "u1"}
	r := models.Result{Strategy: "microdata", Draft: recipe.Draft{
		Title:       "Soup",
		Ingredients: []recipe.Ingredient{{Name: "water"}, {Name: "salt"}},
		Steps:       []string{"Boil"},
		SourceURL:   "https://example.com/soup",
	}}
	msg := Completed(job, r, time.Now())
	if msg.Type != models.MailboxCompleted || msg.Failure != nil {
		t.Fatalf("unexpected notice %+v", msg)
	}
	if msg.Preview.IngredientCount != 2 || msg.Preview.StepCount != 1 || msg.Preview.Title != "Soup" {
		t.Fatalf("unexpected preview %+v", msg.Preview)
	}
}

func TestPublishOncePerJob(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	job, _ := st.CreateJob(ctx, store.CreateJobParams{UserID: "u1", Type: models.JobTypeURL, Source: models.Source{URL: "https://example.com"}})
	if ok, _ := st.Start(ctx, job.ID); !ok {
		t.Fatalf("start failed")
	}
	f := store.Failure{Code: models.ErrFetchFailed, Message: "blocked", NextAction: models.NextActionClientWebview}
	if ok, _ := st.Fail(ctx, job.ID, f, Failed(job, f, time.Now())); !ok {
		t.Fatalf("fail should apply")
	}
	if ok, _ := st.Fail(ctx, job.ID, f, Failed(job, f, time.Now())); ok {
		t.Fatalf("second fail must be a no-op")
	}
	if ok, _ := st.PublishMailbox(ctx, *Failed(job, f, time.Now())); ok {
		t.Fatalf("direct publish for the same job must be rejected")
	}

	r := NewReader(st, 10)
	for i := 0; i < 2; i++ {
		msgs, err := r.Messages(ctx, "u1", 0)
		if err != nil || len(msgs) != 1 {
			t.Fatalf("read %d: msgs=%v err=%v", i, msgs, err)
		}
		if msgs[0].Failure.NextAction != models.NextActionClientWebview {
			t.Fatalf("next action lost: %+v", msgs[0].Failure)
		}
	}
}

func TestPendingListsOnlyComplete(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	done, _ := st.CreateJob(ctx, store.CreateJobParams{UserID: "u1", Type: models.JobTypeURL})
	committed, _ := st.CreateJob(ctx, store.CreateJobParams{UserID: "u1", Type: models.JobTypeURL})
	for _, j := range []models.Job{done, committed} {
		st.Start(ctx, j.ID)
		st.Complete(ctx, j.ID, models.Result{Strategy: "heuristic", Draft: recipe.Draft{Title: "T"}}, nil)
	}
	st.Commit(ctx, committed.ID)

	entries, err := NewReader(st, 0).Pending(ctx, "u1", 500)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(entries) != 1 || entries[0].JobID != done.ID || entries[0].Preview.Strategy != "heuristic" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	empty, _ := NewReader(st, 0).Pending(ctx, "nobody", 0)
	if empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", empty)
	}
}

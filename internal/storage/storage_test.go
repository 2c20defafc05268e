package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/SoulEchoPlan/soul-echo-sub000/internal/models"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(db, "sqlite3")
}

func createCharacter(t *testing.T, s *Store, name string) *models.Character {
	t.Helper()
	c := &models.Character{Name: name, PersonaPrompt: "You are " + name}
	if err := s.CreateCharacter(context.Background(), c); err != nil {
		t.Fatalf("create character: %v", err)
	}
	return c
}

func TestCharacterRoundTrip(t *testing.T) {
	s := setupStore(t)
	c := createCharacter(t, s, "Li Bai")
	if c.ID == 0 {
		t.Fatalf("expected id to be assigned")
	}
	got, err := s.GetCharacter(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("get character: %v", err)
	}
	if got.Name != "Li Bai" || got.PersonaPrompt != "You are Li Bai" {
		t.Fatalf("character mismatch: %+v", got)
	}
	if _, err := s.GetCharacter(context.Background(), 999); !errors.Is(err, ErrCharacterNotFound) {
		t.Fatalf("expected ErrCharacterNotFound, got %v", err)
	}
}

func TestSaveJobUpserts(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	c := createCharacter(t, s, "Su Shi")

	job := &models.IngestionJob{
		ID:               "job-1",
		CharacterID:      c.ID,
		LocalFilePath:    "/tmp/job-1.pdf",
		OriginalFileName: "poems.pdf",
		MD5:              "d41d8cd98f00b204e9800998ecf8427e",
		SizeBytes:        42,
		Status:           models.JobUploading,
	}
	if err := s.SaveJob(ctx, job); err != nil {
		t.Fatalf("save job: %v", err)
	}

	if err := job.SetRemoteFileID("f-1"); err != nil {
		t.Fatalf("set file id: %v", err)
	}
	if err := job.SetRemoteJobID("j-1"); err != nil {
		t.Fatalf("set job id: %v", err)
	}
	if err := job.Transition(models.JobIndexing); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := s.SaveJob(ctx, job); err != nil {
		t.Fatalf("save job again: %v", err)
	}

	got, err := s.FindJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("find job: %v", err)
	}
	if got.Status != models.JobIndexing || got.RemoteFileID != "f-1" || got.RemoteJobID != "j-1" {
		t.Fatalf("job not updated: %+v", got)
	}
	if got.OriginalFileName != "poems.pdf" || got.SizeBytes != 42 {
		t.Fatalf("job metadata lost: %+v", got)
	}
}

func TestFindJobMissing(t *testing.T) {
	s := setupStore(t)
	if _, err := s.FindJob(context.Background(), "nope"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestListJobsByStatusAndStale(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	c := createCharacter(t, s, "Du Fu")

	old := time.Now().UTC().Add(-48 * time.Hour)
	recent := time.Now().UTC()
	jobs := []*models.IngestionJob{
		{ID: "a", CharacterID: c.ID, Status: models.JobUploading, CreatedAt: old, UpdatedAt: old},
		{ID: "b", CharacterID: c.ID, Status: models.JobUploading, CreatedAt: recent, UpdatedAt: recent},
		{ID: "c", CharacterID: c.ID, Status: models.JobIndexing, CreatedAt: recent, UpdatedAt: recent},
	}
	for _, j := range jobs {
		if err := s.SaveJob(ctx, j); err != nil {
			t.Fatalf("save %s: %v", j.ID, err)
		}
	}

	uploading, err := s.ListJobsByStatus(ctx, models.JobUploading, 10)
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(uploading) != 2 || uploading[0].ID != "a" {
		t.Fatalf("unexpected uploading jobs: %d", len(uploading))
	}

	stale, err := s.ListStaleJobs(ctx, models.JobUploading, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "a" {
		t.Fatalf("expected only job a to be stale, got %d", len(stale))
	}

	byChar, err := s.ListJobsByCharacter(ctx, c.ID)
	if err != nil {
		t.Fatalf("list by character: %v", err)
	}
	if len(byChar) != 3 {
		t.Fatalf("expected 3 jobs for character, got %d", len(byChar))
	}
}

func TestRebind(t *testing.T) {
	got := rebind("postgres", "SELECT * FROM t WHERE a = ? AND b = ?")
	if got != "SELECT * FROM t WHERE a = $1 AND b = $2" {
		t.Fatalf("unexpected rebind: %s", got)
	}
	if rebind("sqlite3", "a = ?") != "a = ?" {
		t.Fatalf("sqlite queries must not be rewritten")
	}
}

package studio

import (
	"errors"
	"testing"
	"time"

	"github.com/atelier-ai/atelier/pkg/core"
)

var testUpload = DataURI{MediaType: "image/png", Data: []byte{0x89, 0x50, 0x4e, 0x47}}

func TestCreateSeedsVersionZero(t *testing.T) {
	s := NewStore()
	sess, err := s.Create(testUpload)
	if err != nil {
		t.Fatalf("Create error = %v", err)
	}
	if sess.ID == "" {
		t.Fatalf("session ID is empty")
	}
	if len(sess.Versions) != 1 {
		t.Fatalf("versions=%d, want 1", len(sess.Versions))
	}
	if sess.Versions[0].Prompt != "" {
		t.Fatalf("upload version must have an empty prompt, got %q", sess.Versions[0].Prompt)
	}
	if sess.Versions[0].Kind != MediaKindImage {
		t.Fatalf("kind=%q, want image", sess.Versions[0].Kind)
	}
	if sess.CurrentIndex != 0 {
		t.Fatalf("current index=%d, want 0", sess.CurrentIndex)
	}
}

func TestAppendVersionAdvancesCurrent(t *testing.T) {
	s := NewStore()
	sess, _ := s.Create(testUpload)

	idx, err := s.AppendVersion(sess.ID, MediaVersion{DataURI: "data:image/png;base64,AA==", Prompt: "make it blue"})
	if err != nil {
		t.Fatalf("AppendVersion error = %v", err)
	}
	if idx != 1 {
		t.Fatalf("index=%d, want 1", idx)
	}

	got, err := s.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get error = %v", err)
	}
	if got.CurrentIndex != 1 {
		t.Fatalf("current index=%d, want 1", got.CurrentIndex)
	}
	if got.Current().Prompt != "make it blue" {
		t.Fatalf("current prompt=%q", got.Current().Prompt)
	}
	// Versions are append-only: the upload is untouched.
	if got.Versions[0].Prompt != "" || got.Versions[0].DataURI != testUpload.String() {
		t.Fatalf("version 0 mutated: %+v", got.Versions[0])
	}
}

func TestSelectVersionBounds(t *testing.T) {
	s := NewStore()
	sess, _ := s.Create(testUpload)
	_, _ = s.AppendVersion(sess.ID, MediaVersion{DataURI: "data:image/png;base64,AA==", Prompt: "one"})

	if _, err := s.SelectVersion(sess.ID, 0); err != nil {
		t.Fatalf("SelectVersion(0) error = %v", err)
	}
	got, _ := s.Get(sess.ID)
	if got.CurrentIndex != 0 {
		t.Fatalf("current index=%d, want 0", got.CurrentIndex)
	}
	if len(got.Versions) != 2 {
		t.Fatalf("select must not truncate history, versions=%d", len(got.Versions))
	}

	if _, err := s.SelectVersion(sess.ID, 2); err == nil {
		t.Fatalf("out-of-range select must fail")
	}
	if _, err := s.SelectVersion(sess.ID, -1); err == nil {
		t.Fatalf("negative select must fail")
	}
}

func TestTranscriptPartialThenFinal(t *testing.T) {
	s := NewStore()
	sess, _ := s.Create(testUpload)

	idx, err := s.AppendTranscript(sess.ID, TranscriptLine{Role: RoleUser, Text: "make the"})
	if err != nil {
		t.Fatalf("AppendTranscript error = %v", err)
	}
	if err := s.UpdateTranscript(sess.ID, idx, TranscriptLine{Role: RoleUser, Text: "make the sky pink", Final: true}); err != nil {
		t.Fatalf("UpdateTranscript error = %v", err)
	}
	// Final lines are committed.
	if err := s.UpdateTranscript(sess.ID, idx, TranscriptLine{Role: RoleUser, Text: "rewrite"}); err == nil {
		t.Fatalf("rewriting a final line must fail")
	}

	got, _ := s.Get(sess.ID)
	if len(got.Transcript) != 1 || got.Transcript[0].Text != "make the sky pink" || !got.Transcript[0].Final {
		t.Fatalf("transcript=%+v", got.Transcript)
	}
}

func TestGetUnknownSession(t *testing.T) {
	s := NewStore()
	_, err := s.Get("sess_missing")
	var coreErr *core.Error
	if !errors.As(err, &coreErr) || coreErr.Type != core.ErrNotFound {
		t.Fatalf("err=%v, want not_found", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	base := time.Unix(1000, 0)
	clock := base
	s := NewStore(WithClock(func() time.Time { return clock }))

	first, _ := s.Create(testUpload)
	clock = base.Add(time.Minute)
	second, _ := s.Create(testUpload)

	list := s.List()
	if len(list) != 2 {
		t.Fatalf("len=%d, want 2", len(list))
	}
	if list[0].ID != second.ID || list[1].ID != first.ID {
		t.Fatalf("order=[%s %s], want newest first", list[0].ID, list[1].ID)
	}
}

type recordingArchiver struct {
	created []string
	appends []int
	selects []int
	lines   []string
	updates []string
}

func (r *recordingArchiver) SessionCreated(s Session)        { r.created = append(r.created, s.ID) }
func (r *recordingArchiver) VersionAppended(_ string, i int, _ MediaVersion) {
	r.appends = append(r.appends, i)
}
func (r *recordingArchiver) TranscriptAppended(_ string, _ int, l TranscriptLine) {
	r.lines = append(r.lines, l.Text)
}
func (r *recordingArchiver) TranscriptUpdated(_ string, _ int, l TranscriptLine) {
	r.updates = append(r.updates, l.Text)
}
func (r *recordingArchiver) VersionSelected(_ string, i int) { r.selects = append(r.selects, i) }

func TestArchiverReceivesMutations(t *testing.T) {
	rec := &recordingArchiver{}
	s := NewStore(WithArchiver(rec))

	sess, _ := s.Create(testUpload)
	_, _ = s.AppendVersion(sess.ID, MediaVersion{DataURI: "data:image/png;base64,AA==", Prompt: "p"})
	_, _ = s.SelectVersion(sess.ID, 0)
	idx, _ := s.AppendTranscript(sess.ID, TranscriptLine{Role: RoleAssistant, Text: "do", Final: false})
	_ = s.UpdateTranscript(sess.ID, idx, TranscriptLine{Role: RoleAssistant, Text: "done", Final: true})

	if len(rec.created) != 1 || rec.created[0] != sess.ID {
		t.Fatalf("created=%v", rec.created)
	}
	if len(rec.appends) != 1 || rec.appends[0] != 1 {
		t.Fatalf("appends=%v", rec.appends)
	}
	if len(rec.selects) != 1 || rec.selects[0] != 0 {
		t.Fatalf("selects=%v", rec.selects)
	}
	if len(rec.lines) != 1 || rec.lines[0] != "do" {
		t.Fatalf("lines=%v", rec.lines)
	}
	if len(rec.updates) != 1 || rec.updates[0] != "done" {
		t.Fatalf("updates=%v", rec.updates)
	}
}

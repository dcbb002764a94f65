package syncer_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminarias/fieldsync/internal/logging"
	"github.com/luminarias/fieldsync/internal/model"
	"github.com/luminarias/fieldsync/internal/remote"
	"github.com/luminarias/fieldsync/internal/signing"
	"github.com/luminarias/fieldsync/internal/storage"
	"github.com/luminarias/fieldsync/internal/syncer"
)

// fakeRemote serves both the blob and the record endpoint and counts what it
// sees.
type fakeRemote struct {
	srv *httptest.Server

	uploadsOK       atomic.Int32
	uploadsRejected atomic.Int32
	records         atomic.Int32

	mu          sync.Mutex
	recordBody  []remote.RecordRequest
	recordKeys  []string
	rejectPhoto func(fileName string) bool
	rejectPole  func(pole string) bool
	holdUpload  chan struct{}
	okUploaded  chan struct{}
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()
	f := &fakeRemote{okUploaded: make(chan struct{}, 64)}
	mux := http.NewServeMux()
	mux.HandleFunc("/upload", f.upload)
	mux.HandleFunc("/luminarias", f.record)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRemote) client() *remote.Client {
	return remote.NewClient(f.srv.URL+"/upload", f.srv.URL+"/luminarias", 5*time.Second)
}

func (f *fakeRemote) upload(w http.ResponseWriter, r *http.Request) {
	_, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	reject, hold := f.rejectPhoto, f.holdUpload
	f.mu.Unlock()
	if hold != nil {
		<-hold
	}
	if reject != nil && reject(header.Filename) {
		// Wait for the sibling uploads so the count of successful uploads
		// does not depend on scheduling.
		for i := 0; i < 2; i++ {
			select {
			case <-f.okUploaded:
			case <-time.After(2 * time.Second):
			}
		}
		f.uploadsRejected.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"storage unavailable"}`))
		return
	}
	f.uploadsOK.Add(1)
	f.okUploaded <- struct{}{}
	_ = json.NewEncoder(w).Encode(remote.UploadResponse{
		FileName:  header.Filename,
		PublicURL: "https://blobs.example/" + header.Filename,
	})
}

func (f *fakeRemote) record(w http.ResponseWriter, r *http.Request) {
	var req remote.RecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.records.Add(1)
	f.mu.Lock()
	f.recordKeys = append(f.recordKeys, r.Header.Get("Idempotency-Key"))
	reject := f.rejectPole
	if reject == nil || !reject(req.PoleNumber) {
		f.recordBody = append(f.recordBody, req)
	}
	f.mu.Unlock()
	if reject != nil && reject(req.PoleNumber) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid colonia"}`))
		return
	}
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(`{"id":1}`))
}

func jpeg(tag byte) model.Payload {
	return model.Payload{Data: []byte{0xFF, 0xD8, 0xFF, 0xE0, tag}, ContentType: "image/jpeg"}
}

func capture(pole string) model.Capture {
	return model.Capture{
		PoleNumber:     pole,
		Watts:          40,
		Latitude:       25.67,
		Longitude:      -100.31,
		PhotoFull:      jpeg(1),
		PhotoWatts:     jpeg(2),
		PhotoPhotocell: jpeg(3),
	}
}

func newEngine(q syncer.Queue, f *fakeRemote) *syncer.Engine {
	c := f.client()
	return syncer.NewEngine(q, c, c, signing.NewSigner([]byte("test-secret")), logging.Discard())
}

func enqueue(t *testing.T, q syncer.Queue, poles ...string) []int64 {
	t.Helper()
	ids := make([]int64, 0, len(poles))
	for _, p := range poles {
		id, err := q.Enqueue(context.Background(), capture(p))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestSyncAllHappyPath(t *testing.T) {
	ctx := context.Background()
	q := storage.NewMemoryStore()
	f := newFakeRemote(t)
	enqueue(t, q, "A", "B")

	var calls [][2]int
	res, err := newEngine(q, f).SyncAll(ctx, func(cur, total int) { calls = append(calls, [2]int{cur, total}) })
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 2, res.Succeeded)
	assert.Zero(t, res.Failed)
	assert.NotEmpty(t, res.BatchID)
	assert.Equal(t, [][2]int{{0, 2}, {1, 2}, {2, 2}}, calls)

	assert.EqualValues(t, 6, f.uploadsOK.Load())
	assert.EqualValues(t, 2, f.records.Load())
	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSyncAllFinishesAfterCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := storage.NewMemoryStore()
	f := newFakeRemote(t)
	enqueue(t, q, "A", "B", "C")

	res, err := newEngine(q, f).SyncAll(ctx, func(cur, _ int) {
		if cur == 1 {
			cancel()
		}
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 3, res.Succeeded)
	assert.Zero(t, res.Failed)
	assert.EqualValues(t, 3, f.records.Load())

	all, err := q.ListAll(context.Background())
	require.NoError(t, err)
	for _, sub := range all {
		assert.True(t, sub.Synced, sub.PoleNumber)
		assert.Empty(t, sub.LastError, sub.PoleNumber)
	}
}

func TestSyncOneLinksItsOwnPhotos(t *testing.T) {
	ctx := context.Background()
	q := storage.NewMemoryStore()
	f := newFakeRemote(t)
	enqueue(t, q, "P-7")

	_, err := newEngine(q, f).SyncAll(ctx, nil)
	require.NoError(t, err)

	require.Len(t, f.recordBody, 1)
	rec := f.recordBody[0]
	assert.Equal(t, "https://blobs.example/P-7_full.jpg", rec.PhotoFullURL)
	assert.Equal(t, "https://blobs.example/P-7_watts.jpg", rec.PhotoWattsURL)
	assert.Equal(t, "https://blobs.example/P-7_photocell.jpg", rec.PhotoPhotocellURL)
	assert.Nil(t, rec.ColoniaID)
	assert.Equal(t, 40, rec.Watts)
}

func TestFailingThirdUploadCreatesNoRecord(t *testing.T) {
	ctx := context.Background()
	q := storage.NewMemoryStore()
	f := newFakeRemote(t)
	f.rejectPhoto = func(name string) bool { return strings.Contains(name, "_photocell") }
	ids := enqueue(t, q, "P-3")

	res, err := newEngine(q, f).SyncAll(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Failures, 1)
	assert.ErrorIs(t, res.Failures[0].Err, model.ErrUpload)

	assert.EqualValues(t, 2, f.uploadsOK.Load())
	assert.EqualValues(t, 1, f.uploadsRejected.Load())
	assert.EqualValues(t, 0, f.records.Load())

	sub, err := q.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.False(t, sub.Synced)
	assert.Contains(t, sub.LastError, "upload failure")
}

func TestFailureIsolation(t *testing.T) {
	ctx := context.Background()
	q := storage.NewMemoryStore()
	f := newFakeRemote(t)
	f.rejectPole = func(pole string) bool { return pole == "B" }
	ids := enqueue(t, q, "A", "B", "C", "D")

	res, err := newEngine(q, f).SyncAll(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, ids[1], res.Failures[0].ID)
	assert.ErrorIs(t, res.Failures[0].Err, model.ErrRecordCreation)

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ids[1], pending[0].ID)
	assert.Contains(t, pending[0].LastError, "invalid colonia")
}

func TestRetryAfterFailureSyncsOnce(t *testing.T) {
	ctx := context.Background()
	q := storage.NewMemoryStore()
	f := newFakeRemote(t)
	f.rejectPole = func(string) bool { return true }
	ids := enqueue(t, q, "A")
	eng := newEngine(q, f)

	res, err := eng.SyncAll(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	f.mu.Lock()
	f.rejectPole = nil
	f.mu.Unlock()
	res, err = eng.SyncAll(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	// A third run finds nothing to do.
	res, err = eng.SyncAll(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Total)

	assert.Len(t, f.recordBody, 1)
	require.Len(t, f.recordKeys, 2)
	assert.NotEmpty(t, f.recordKeys[0])
	assert.Equal(t, f.recordKeys[0], f.recordKeys[1])

	sub, err := q.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.True(t, sub.Synced)
	assert.Empty(t, sub.LastError)
}

func TestSyncAllOrdersByCaptureTime(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	q := storage.NewMemoryStore()
	f := newFakeRemote(t)

	q.WithClock(func() time.Time { return base.Add(time.Minute) })
	enqueue(t, q, "later")
	q.WithClock(func() time.Time { return base })
	enqueue(t, q, "earlier")

	_, err := newEngine(q, f).SyncAll(ctx, nil)
	require.NoError(t, err)
	require.Len(t, f.recordBody, 2)
	assert.Equal(t, "earlier", f.recordBody[0].PoleNumber)
	assert.Equal(t, "later", f.recordBody[1].PoleNumber)
}

func TestSyncAllRejectsConcurrentBatch(t *testing.T) {
	ctx := context.Background()
	q := storage.NewMemoryStore()
	f := newFakeRemote(t)
	f.holdUpload = make(chan struct{})
	enqueue(t, q, "A")
	eng := newEngine(q, f)

	done := make(chan syncer.Result)
	go func() {
		res, _ := eng.SyncAll(ctx, nil)
		done <- res
	}()
	require.Eventually(t, eng.Syncing, time.Second, 5*time.Millisecond)

	_, err := eng.SyncAll(ctx, nil)
	assert.ErrorIs(t, err, syncer.ErrSyncInProgress)

	close(f.holdUpload)
	res := <-done
	assert.Equal(t, 1, res.Succeeded)
	assert.False(t, eng.Syncing())
}

func TestSyncAllUnreadableQueue(t *testing.T) {
	q := storage.NewMemoryStore()
	q.FailWith(errors.New("disk gone"))
	f := newFakeRemote(t)

	_, err := newEngine(q, f).SyncAll(context.Background(), nil)
	assert.ErrorIs(t, err, model.ErrStorage)
	assert.EqualValues(t, 0, f.uploadsOK.Load())
}

func TestSyncOneMissingPhotoIsCodecFailure(t *testing.T) {
	ctx := context.Background()
	q := storage.NewMemoryStore()
	f := newFakeRemote(t)
	c := capture("A")
	c.PhotoWatts = model.Payload{ContentType: "image/jpeg"}
	id, err := q.Enqueue(ctx, c)
	require.NoError(t, err)
	sub, err := q.Get(ctx, id)
	require.NoError(t, err)

	err = newEngine(q, f).SyncOne(ctx, sub)
	assert.ErrorIs(t, err, model.ErrCodec)
	assert.EqualValues(t, 0, f.uploadsOK.Load())
}

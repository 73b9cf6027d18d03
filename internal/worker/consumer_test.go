package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thakurdotdev/deploy/internal/deployer"
	"github.com/thakurdotdev/deploy/internal/queue"
)

// startConsumer runs a consumer against a miniredis-backed queue and returns
// the queue plus a stop func that unblocks any in-flight dequeue.
func startConsumer(t *testing.T, git GitClient, engine deployer.Engine) (*queue.Queue, *controlPlane, func()) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.New(client, discardLogger())

	cp, control := newControlPlane(t)
	runner := NewRunner(t.TempDir(), control, engine, nil, discardLogger())
	runner.git = git

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewConsumer(q, runner, discardLogger()).Start(ctx)
		close(done)
	}()

	stop := func() {
		cancel()
		// Closing the client aborts the blocking poll immediately.
		client.Close()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("consumer did not stop")
		}
	}
	return q, cp, stop
}

func waitForCount(t *testing.T, q *queue.Queue, state string, want int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		counts, err := q.Counts(context.Background())
		return err == nil && counts[state] == want
	}, 10*time.Second, 20*time.Millisecond, "queue never reached %s=%d", state, want)
}

func TestConsumerCompletesSuccessfulJob(t *testing.T) {
	git := &fakeGit{cloneFn: cloneTree(t, backendRepo())}
	q, cp, stop := startConsumer(t, git, &fakeEngine{})

	created, err := q.Enqueue(context.Background(), backendJob())
	require.NoError(t, err)
	require.True(t, created)

	waitForCount(t, q, "completed", 1)

	counts, err := q.Counts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts["waiting"])
	assert.Zero(t, counts["active"])

	stop()
	assert.Equal(t, []string{"building", "success"}, cp.statusList())
}

func TestConsumerRecordsFailedJob(t *testing.T) {
	git := &fakeGit{cloneFn: func(ctx context.Context, cloneURL, dest string, onLine func(string)) error {
		return errors.New("git clone failed with exit code 128")
	}}
	q, cp, stop := startConsumer(t, git, &fakeEngine{})

	created, err := q.Enqueue(context.Background(), backendJob())
	require.NoError(t, err)
	require.True(t, created)

	waitForCount(t, q, "failed", 1)
	stop()

	assert.Equal(t, []string{"building", "failed"}, cp.statusList())
}

func TestConsumerDrainsBacklogInOrder(t *testing.T) {
	git := &fakeGit{cloneFn: cloneTree(t, backendRepo())}
	q, cp, stop := startConsumer(t, git, &fakeEngine{})

	for i := 0; i < 3; i++ {
		created, err := q.Enqueue(context.Background(), backendJob())
		require.NoError(t, err)
		require.True(t, created)
	}

	waitForCount(t, q, "completed", 3)
	stop()

	assert.Equal(t,
		[]string{"building", "success", "building", "success", "building", "success"},
		cp.statusList(), "jobs run one at a time")
}

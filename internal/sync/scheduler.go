package sync

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/quillmail/syncd/internal/credential"
	"github.com/quillmail/syncd/internal/imapsession"
	"github.com/quillmail/syncd/internal/models"
	"github.com/quillmail/syncd/internal/store"
)

const reconnectBackoff = 30 * time.Second

// Dialer opens an authenticated session for an account. It exists so
// tests can substitute a fake transport.
type Dialer func(ctx context.Context, account *models.Account, secret string) (imapsession.Session, error)

// Scheduler runs one sync worker per account. Workers are fully
// independent; they share only the connection pool.
type Scheduler struct {
	pool     *pgxpool.Pool
	resolver *credential.Resolver
	notifier Notifier
	log      *logrus.Entry
	dial     Dialer

	idleTimeout  time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	workers map[string]*worker
}

type worker struct {
	cycle  *Cycle
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler builds a scheduler. A nil dialer uses the real IMAP
// transport.
func NewScheduler(pool *pgxpool.Pool, resolver *credential.Resolver, notifier Notifier, log *logrus.Entry, idleTimeout, pollInterval time.Duration, dial Dialer) *Scheduler {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if dial == nil {
		dial = imapsession.Dial
	}
	return &Scheduler{
		pool:         pool,
		resolver:     resolver,
		notifier:     notifier,
		log:          log,
		dial:         dial,
		idleTimeout:  idleTimeout,
		pollInterval: pollInterval,
		workers:      make(map[string]*worker),
	}
}

// Run starts a worker for every stored account and blocks until the
// context is cancelled, then stops and joins all workers.
func (s *Scheduler) Run(ctx context.Context) error {
	accounts, err := store.ListAccounts(ctx, s.pool)
	if err != nil {
		return err
	}
	for _, account := range accounts {
		s.StartAccount(ctx, account)
	}

	<-ctx.Done()

	s.mu.Lock()
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.workers = make(map[string]*worker)
	s.mu.Unlock()

	for _, w := range workers {
		w.cancel()
		<-w.done
	}
	return ctx.Err()
}

// StartAccount spawns a sync worker for an account. Starting an account
// that already has a worker is a no-op.
func (s *Scheduler) StartAccount(ctx context.Context, account *models.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[account.ID]; ok {
		return
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w := &worker{cancel: cancel, done: make(chan struct{})}
	s.workers[account.ID] = w

	go func() {
		defer close(w.done)
		s.runWorker(workerCtx, account, w)
	}()
}

// StopAccount signals an account's worker to stop and waits for it to
// finish. Used on account removal before the rows are deleted.
func (s *Scheduler) StopAccount(accountID string) {
	s.mu.Lock()
	w, ok := s.workers[accountID]
	if ok {
		delete(s.workers, accountID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	w.cancel()
	<-w.done
}

// WakeAccount interrupts an account's idle wait so it syncs now.
func (s *Scheduler) WakeAccount(accountID string) {
	s.mu.Lock()
	w, ok := s.workers[accountID]
	s.mu.Unlock()
	if ok && w.cycle != nil {
		w.cycle.Wake()
	}
}

// runWorker connects and runs the account's cycle, reconnecting with a
// backoff after connection or authentication failures.
func (s *Scheduler) runWorker(ctx context.Context, account *models.Account, w *worker) {
	log := s.log.WithField("account", account.ID)

	for ctx.Err() == nil {
		secret, err := s.resolver.Resolve(account)
		if err != nil {
			log.WithError(err).Error("failed to resolve credentials")
			if !sleepCtx(ctx, reconnectBackoff) {
				return
			}
			continue
		}

		session, err := s.dial(ctx, account, secret)
		if err != nil {
			log.WithError(err).Warn("failed to connect")
			if !sleepCtx(ctx, reconnectBackoff) {
				return
			}
			continue
		}

		cycle := NewCycle(s.pool, account, session, s.notifier, s.log, s.idleTimeout, s.pollInterval)
		s.mu.Lock()
		w.cycle = cycle
		s.mu.Unlock()

		err = cycle.Run(ctx)
		_ = session.Close()
		if ctx.Err() != nil {
			return
		}
		log.WithError(err).Warn("sync loop ended, reconnecting")
		if !sleepCtx(ctx, reconnectBackoff) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

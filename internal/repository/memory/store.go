// Package memory is an in-process repository.Store. Every call holds one
// mutex, and Atomic holds it for the whole unit and restores a snapshot when
// the unit fails, so units are serializable.
package memory

import (
	"context"
	"sync"
	"time"

	"mpesapay/internal/model"
	"mpesapay/internal/repository"
)

type state struct {
	seq       int64
	txns      map[int64]*model.Transaction
	wallets   map[int64]*model.Wallet
	orders    map[int64]*model.Order
	items     map[int64][]*model.OrderItem
	history   []*model.OrderStatusHistory
	refunds   map[int64]*model.RefundRequest
	callbacks []*model.CallbackRecord
	outbox    map[int64]*model.OutboxMessage
	users     map[int64]*model.User
}

func newState() *state {
	return &state{
		txns:    make(map[int64]*model.Transaction),
		wallets: make(map[int64]*model.Wallet),
		orders:  make(map[int64]*model.Order),
		items:   make(map[int64][]*model.OrderItem),
		refunds: make(map[int64]*model.RefundRequest),
		outbox:  make(map[int64]*model.OutboxMessage),
		users:   make(map[int64]*model.User),
	}
}

func (s *state) nextID() int64 {
	s.seq++
	return s.seq
}

// clone copies the maps and the structs they point to. Pointer fields inside
// entities are replaced on write and never mutated in place, so sharing them
// is safe.
func (s *state) clone() *state {
	c := newState()
	c.seq = s.seq
	for k, v := range s.txns {
		cp := *v
		c.txns[k] = &cp
	}
	for k, v := range s.wallets {
		cp := *v
		c.wallets[k] = &cp
	}
	for k, v := range s.orders {
		cp := *v
		c.orders[k] = &cp
	}
	for k, v := range s.items {
		c.items[k] = append([]*model.OrderItem(nil), v...)
	}
	c.history = append([]*model.OrderStatusHistory(nil), s.history...)
	for k, v := range s.refunds {
		cp := *v
		c.refunds[k] = &cp
	}
	c.callbacks = append([]*model.CallbackRecord(nil), s.callbacks...)
	for k, v := range s.outbox {
		cp := *v
		c.outbox[k] = &cp
	}
	for k, v := range s.users {
		cp := *v
		c.users[k] = &cp
	}
	return c
}

// Store implements repository.Store in memory.
type Store struct {
	mu   *sync.Mutex
	data **state
	inTx bool
	now  func() time.Time
}

func NewStore() *Store {
	data := newState()
	return &Store{mu: &sync.Mutex{}, data: &data, now: time.Now}
}

// SetClock overrides the time source used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) do(fn func(st *state) error) error {
	if !s.inTx {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	return fn(*s.data)
}

func (s *Store) Atomic(ctx context.Context, fn func(repository.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := (*s.data).clone()
	err := fn(&Store{mu: s.mu, data: s.data, inTx: true, now: s.now})
	if err != nil {
		*s.data = snapshot
	}
	return err
}

func (s *Store) Transactions() repository.TransactionRepository { return &transactionRepo{s} }
func (s *Store) Wallets() repository.WalletRepository           { return &walletRepo{s} }
func (s *Store) Orders() repository.OrderRepository             { return &orderRepo{s} }
func (s *Store) Refunds() repository.RefundRepository           { return &refundRepo{s} }
func (s *Store) Callbacks() repository.CallbackRepository       { return &callbackRepo{s} }
func (s *Store) Outbox() repository.OutboxRepository            { return &outboxRepo{s} }
func (s *Store) Users() repository.UserRepository               { return &userRepo{s} }

// ============================================================================
// Seeding, for the storefront tables this service does not own.
// ============================================================================

func (s *Store) SeedUser(u *model.User) *model.User {
	_ = s.do(func(st *state) error {
		if u.ID == 0 {
			u.ID = st.nextID()
		}
		if u.CreatedAt.IsZero() {
			u.CreatedAt = s.now()
		}
		cp := *u
		st.users[u.ID] = &cp
		return nil
	})
	return u
}

func (s *Store) SeedOrder(o *model.Order, items ...*model.OrderItem) *model.Order {
	_ = s.do(func(st *state) error {
		if o.ID == 0 {
			o.ID = st.nextID()
		}
		now := s.now()
		if o.CreatedAt.IsZero() {
			o.CreatedAt = now
		}
		o.UpdatedAt = now
		cp := *o
		st.orders[o.ID] = &cp
		for _, item := range items {
			if item.ID == 0 {
				item.ID = st.nextID()
			}
			item.OrderID = o.ID
			ic := *item
			st.items[o.ID] = append(st.items[o.ID], &ic)
		}
		return nil
	})
	return o
}

func (s *Store) SeedHistory(h *model.OrderStatusHistory) {
	_ = s.do(func(st *state) error {
		if h.ID == 0 {
			h.ID = st.nextID()
		}
		if h.CreatedAt.IsZero() {
			h.CreatedAt = s.now()
		}
		cp := *h
		st.history = append(st.history, &cp)
		return nil
	})
}

func (s *Store) SeedWallet(w *model.Wallet) *model.Wallet {
	_ = s.do(func(st *state) error {
		if w.ID == 0 {
			w.ID = st.nextID()
		}
		now := s.now()
		w.CreatedAt, w.UpdatedAt = now, now
		cp := *w
		st.wallets[w.ID] = &cp
		return nil
	})
	return w
}

// CallbackRecords returns a copy of every recorded callback.
func (s *Store) CallbackRecords() []*model.CallbackRecord {
	var out []*model.CallbackRecord
	_ = s.do(func(st *state) error {
		for _, c := range st.callbacks {
			cp := *c
			out = append(out, &cp)
		}
		return nil
	})
	return out
}

// OutboxMessages returns a copy of every outbox row in id order.
func (s *Store) OutboxMessages() []*model.OutboxMessage {
	var out []*model.OutboxMessage
	_ = s.do(func(st *state) error {
		for _, m := range st.outbox {
			cp := *m
			out = append(out, &cp)
		}
		return nil
	})
	sortByID(out, func(m *model.OutboxMessage) int64 { return m.ID })
	return out
}

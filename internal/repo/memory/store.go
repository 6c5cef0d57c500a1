// Package memory is an in-process repo.Store used by tests and the
// memory database driver. Every call is serialized; transactions restore a
// snapshot when the callback fails.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalix/identity/internal/model"
	"github.com/signalix/identity/internal/repo"
)

type data struct {
	users      map[uuid.UUID]model.User
	secrets    map[uuid.UUID]model.SigningSecretPair
	challenges map[uuid.UUID]model.VerificationRecord
	sessions   map[uuid.UUID]model.Session
	signups    map[uuid.UUID]model.SignupState
}

func newData() *data {
	return &data{
		users:      map[uuid.UUID]model.User{},
		secrets:    map[uuid.UUID]model.SigningSecretPair{},
		challenges: map[uuid.UUID]model.VerificationRecord{},
		sessions:   map[uuid.UUID]model.Session{},
		signups:    map[uuid.UUID]model.SignupState{},
	}
}

func (d *data) clone() *data {
	c := newData()
	for k, v := range d.users {
		c.users[k] = v
	}
	for k, v := range d.secrets {
		c.secrets[k] = v
	}
	for k, v := range d.challenges {
		c.challenges[k] = v
	}
	for k, v := range d.sessions {
		c.sessions[k] = v
	}
	for k, v := range d.signups {
		c.signups[k] = v
	}
	return c
}

// Store implements repo.Store in memory
type Store struct {
	mu sync.Mutex
	d  *data
}

var _ repo.Store = (*Store)(nil)

// NewStore creates an empty Store
func NewStore() *Store {
	return &Store{d: newData()}
}

// view binds repositories either to autocommit calls (lock per call) or to a
// running transaction (lock already held).
type view struct {
	s    *Store
	inTx bool
}

func (v view) enter() func() {
	if v.inTx {
		return func() {}
	}
	v.s.mu.Lock()
	return v.s.mu.Unlock
}

func (v view) data() *data { return v.s.d }

func (v view) Users() repo.UserRepo           { return users{v} }
func (v view) Secrets() repo.SecretRepo       { return secrets{v} }
func (v view) Challenges() repo.ChallengeRepo { return challenges{v} }
func (v view) Sessions() repo.SessionRepo     { return sessions{v} }
func (v view) Signups() repo.SignupRepo       { return signups{v} }

func (s *Store) Users() repo.UserRepo           { return view{s: s}.Users() }
func (s *Store) Secrets() repo.SecretRepo       { return view{s: s}.Secrets() }
func (s *Store) Challenges() repo.ChallengeRepo { return view{s: s}.Challenges() }
func (s *Store) Sessions() repo.SessionRepo     { return view{s: s}.Sessions() }
func (s *Store) Signups() repo.SignupRepo       { return view{s: s}.Signups() }

// InTx runs fn with exclusive access; on error or panic the previous state is restored.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, r repo.Repositories) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.d.clone()
	defer func() {
		if p := recover(); p != nil {
			s.d = snapshot
			panic(p)
		}
		if err != nil {
			s.d = snapshot
		}
	}()
	return fn(ctx, view{s: s, inTx: true})
}

type users struct{ v view }

func (r users) Create(_ context.Context, u *model.User) error {
	defer r.v.enter()()
	d := r.v.data()
	for _, other := range d.users {
		if u.Email != nil && other.Email != nil && *u.Email == *other.Email {
			return repo.ErrDuplicate
		}
		if u.Phone != nil && other.Phone != nil && *u.Phone == *other.Phone {
			return repo.ErrDuplicate
		}
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Role == "" {
		u.Role = model.RoleMember
	}
	if u.Status == "" {
		u.Status = model.UserStatusActive
	}
	d.users[u.ID] = *u
	return nil
}

func (r users) GetByID(_ context.Context, id uuid.UUID) (model.User, error) {
	defer r.v.enter()()
	u, ok := r.v.data().users[id]
	if !ok {
		return model.User{}, repo.ErrNotFound
	}
	return u, nil
}

func (r users) GetByPhone(_ context.Context, phone string) (model.User, error) {
	defer r.v.enter()()
	for _, u := range r.v.data().users {
		if u.Phone != nil && *u.Phone == phone {
			return u, nil
		}
	}
	return model.User{}, repo.ErrNotFound
}

func (r users) GetByEmail(_ context.Context, email string) (model.User, error) {
	defer r.v.enter()()
	for _, u := range r.v.data().users {
		if u.Email != nil && *u.Email == email {
			return u, nil
		}
	}
	return model.User{}, repo.ErrNotFound
}

func (r users) MarkVerified(_ context.Context, id uuid.UUID, phone, email bool, now time.Time) error {
	defer r.v.enter()()
	d := r.v.data()
	u, ok := d.users[id]
	if !ok {
		return repo.ErrNotFound
	}
	u.PhoneVerified = u.PhoneVerified || phone
	u.EmailVerified = u.EmailVerified || email
	u.UpdatedAt = now
	d.users[id] = u
	return nil
}

func (r users) UpdatePassword(_ context.Context, id uuid.UUID, hash string, now time.Time) error {
	defer r.v.enter()()
	d := r.v.data()
	u, ok := d.users[id]
	if !ok {
		return repo.ErrNotFound
	}
	u.PasswordHash = &hash
	u.UpdatedAt = now
	d.users[id] = u
	return nil
}

func (r users) UpdateLastLogin(_ context.Context, id uuid.UUID, at time.Time) error {
	defer r.v.enter()()
	d := r.v.data()
	u, ok := d.users[id]
	if !ok {
		return repo.ErrNotFound
	}
	u.LastLoginAt = &at
	u.UpdatedAt = at
	d.users[id] = u
	return nil
}

type secrets struct{ v view }

func (r secrets) Get(_ context.Context, userID uuid.UUID) (model.SigningSecretPair, error) {
	defer r.v.enter()()
	p, ok := r.v.data().secrets[userID]
	if !ok {
		return model.SigningSecretPair{}, repo.ErrNotFound
	}
	return p, nil
}

func (r secrets) InsertIfAbsent(_ context.Context, pair model.SigningSecretPair) error {
	defer r.v.enter()()
	d := r.v.data()
	if _, ok := d.secrets[pair.UserID]; !ok {
		d.secrets[pair.UserID] = pair
	}
	return nil
}

func (r secrets) Replace(_ context.Context, pair model.SigningSecretPair) error {
	defer r.v.enter()()
	d := r.v.data()
	if old, ok := d.secrets[pair.UserID]; ok {
		pair.CreatedAt = old.CreatedAt
	}
	d.secrets[pair.UserID] = pair
	return nil
}

type challenges struct{ v view }

func (r challenges) Create(_ context.Context, rec *model.VerificationRecord) error {
	defer r.v.enter()()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	r.v.data().challenges[rec.ID] = *rec
	return nil
}

func (r challenges) Get(_ context.Context, id uuid.UUID) (model.VerificationRecord, error) {
	defer r.v.enter()()
	rec, ok := r.v.data().challenges[id]
	if !ok {
		return model.VerificationRecord{}, repo.ErrNotFound
	}
	return rec, nil
}

func (r challenges) ExpireOutstanding(_ context.Context, identifier string, purpose model.Purpose, now time.Time) (int64, error) {
	defer r.v.enter()()
	d := r.v.data()
	var n int64
	for id, rec := range d.challenges {
		if rec.Identifier == identifier && rec.Purpose == purpose && !rec.Completed() && !rec.ExpiredAt(now) {
			rec.ExpiresAt = now
			d.challenges[id] = rec
			n++
		}
	}
	return n, nil
}

func (r challenges) RegisterAttempt(_ context.Context, id uuid.UUID, now time.Time) (int, error) {
	defer r.v.enter()()
	d := r.v.data()
	rec, ok := d.challenges[id]
	if !ok || rec.Completed() || rec.ExpiredAt(now) || rec.AttemptCount >= rec.MaxAttempts {
		return 0, repo.ErrNotFound
	}
	rec.AttemptCount++
	d.challenges[id] = rec
	return rec.AttemptCount, nil
}

func (r challenges) MarkCompleted(_ context.Context, id uuid.UUID, now time.Time) (bool, error) {
	defer r.v.enter()()
	d := r.v.data()
	rec, ok := d.challenges[id]
	if !ok || rec.Completed() {
		return false, nil
	}
	rec.CompletedAt = &now
	d.challenges[id] = rec
	return true, nil
}

func (r challenges) DeleteStale(_ context.Context, now time.Time) (int64, error) {
	defer r.v.enter()()
	d := r.v.data()
	var n int64
	for id, rec := range d.challenges {
		if rec.Completed() || rec.ExpiredAt(now) {
			delete(d.challenges, id)
			n++
		}
	}
	return n, nil
}

type sessions struct{ v view }

func (r sessions) Create(_ context.Context, s *model.Session) error {
	defer r.v.enter()()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.Active = true
	r.v.data().sessions[s.ID] = *s
	return nil
}

func (r sessions) Get(_ context.Context, id uuid.UUID) (model.Session, error) {
	defer r.v.enter()()
	s, ok := r.v.data().sessions[id]
	if !ok {
		return model.Session{}, repo.ErrNotFound
	}
	return s, nil
}

func (r sessions) Rotate(_ context.Context, rot repo.SessionRotation) (bool, error) {
	defer r.v.enter()()
	d := r.v.data()
	s, ok := d.sessions[rot.ID]
	if !ok || s.UserID != rot.UserID || s.RefreshJTI != rot.PresentedJTI || !s.Active || !rot.Now.Before(s.ExpiresAt) {
		return false, nil
	}
	s.AccessJTI = rot.AccessJTI
	s.RefreshJTI = rot.RefreshJTI
	s.ClientIP = rot.ClientIP
	s.ExpiresAt = rot.ExpiresAt
	s.LastAccessAt = rot.Now
	d.sessions[s.ID] = s
	return true, nil
}

func (r sessions) Deactivate(_ context.Context, userID, id uuid.UUID, now time.Time) (int64, error) {
	defer r.v.enter()()
	d := r.v.data()
	s, ok := d.sessions[id]
	if !ok || s.UserID != userID || !s.Active {
		return 0, nil
	}
	s.Active = false
	s.RevokedAt = &now
	d.sessions[id] = s
	return 1, nil
}

func (r sessions) DeactivateAll(_ context.Context, userID uuid.UUID, now time.Time) (int64, error) {
	defer r.v.enter()()
	d := r.v.data()
	var n int64
	for id, s := range d.sessions {
		if s.UserID == userID && s.Active {
			s.Active = false
			s.RevokedAt = &now
			d.sessions[id] = s
			n++
		}
	}
	return n, nil
}

func (r sessions) ListActive(_ context.Context, userID uuid.UUID, now time.Time) ([]model.Session, error) {
	defer r.v.enter()()
	var out []model.Session
	for _, s := range r.v.data().sessions {
		if s.UserID == userID && s.Active && now.Before(s.ExpiresAt) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r sessions) DeleteStale(_ context.Context, now time.Time) ([]model.SessionRef, error) {
	defer r.v.enter()()
	d := r.v.data()
	var refs []model.SessionRef
	for id, s := range d.sessions {
		if !s.Active || !now.Before(s.ExpiresAt) {
			delete(d.sessions, id)
			refs = append(refs, model.SessionRef{ID: id, UserID: s.UserID})
		}
	}
	return refs, nil
}

type signups struct{ v view }

// conflicts emulates the partial unique indexes on unfinished signups.
func (r signups) conflicts(st model.SignupState) bool {
	for id, other := range r.v.data().signups {
		if id == st.ID || other.Step == model.StepCompleted {
			continue
		}
		if st.Phone != nil && other.Phone != nil && *st.Phone == *other.Phone {
			return true
		}
		if st.Email != nil && other.Email != nil && *st.Email == *other.Email {
			return true
		}
	}
	return false
}

func (r signups) Create(_ context.Context, st *model.SignupState) error {
	defer r.v.enter()()
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	if st.Step != model.StepCompleted && r.conflicts(*st) {
		return repo.ErrDuplicate
	}
	r.v.data().signups[st.ID] = *st
	return nil
}

func (r signups) Get(_ context.Context, id uuid.UUID) (model.SignupState, error) {
	defer r.v.enter()()
	st, ok := r.v.data().signups[id]
	if !ok {
		return model.SignupState{}, repo.ErrNotFound
	}
	return st, nil
}

func (r signups) Update(_ context.Context, st model.SignupState, expected model.SignupStep) (bool, error) {
	defer r.v.enter()()
	d := r.v.data()
	cur, ok := d.signups[st.ID]
	if !ok || cur.Step != expected {
		return false, nil
	}
	if st.Step != model.StepCompleted && r.conflicts(st) {
		return false, repo.ErrDuplicate
	}
	d.signups[st.ID] = st
	return true, nil
}

func (r signups) Delete(_ context.Context, id uuid.UUID) error {
	defer r.v.enter()()
	delete(r.v.data().signups, id)
	return nil
}

func (r signups) DeleteStaleByPhone(_ context.Context, phone string, now time.Time) error {
	defer r.v.enter()()
	d := r.v.data()
	for id, st := range d.signups {
		if st.Phone != nil && *st.Phone == phone && (st.ExpiredAt(now) || st.Step == model.StepCompleted) {
			delete(d.signups, id)
		}
	}
	return nil
}

func (r signups) DeleteStaleByEmail(_ context.Context, email string, now time.Time) error {
	defer r.v.enter()()
	d := r.v.data()
	for id, st := range d.signups {
		if st.Email != nil && *st.Email == email && (st.ExpiredAt(now) || st.Step == model.StepCompleted) {
			delete(d.signups, id)
		}
	}
	return nil
}

func (r signups) DeleteStale(_ context.Context, now time.Time) (int64, error) {
	defer r.v.enter()()
	d := r.v.data()
	var n int64
	for id, st := range d.signups {
		if st.ExpiredAt(now) || st.Step == model.StepCompleted {
			delete(d.signups, id)
			n++
		}
	}
	return n, nil
}

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"whispr/pkg/archive"
	"whispr/pkg/domain"
	"whispr/pkg/events"
	"whispr/pkg/store"
)

const (
	testAuthority domain.Principal = "auth-1"
	alice         domain.Principal = "alice"
	bob           domain.Principal = "bob"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakePinner struct {
	mu    sync.Mutex
	names []string
	data  map[string][]byte
	err   error
	// gate, when set, blocks every Pin until it is closed.
	gate chan struct{}
}

func (p *fakePinner) Pin(ctx context.Context, name string, payload any) (string, error) {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.names = append(p.names, name)
	cid := fmt.Sprintf("cid-%d", len(p.names))
	if p.data == nil {
		p.data = map[string][]byte{}
	}
	p.data[cid] = []byte(name)
	return cid, nil
}

func (p *fakePinner) Retrieve(_ context.Context, cid string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.data[cid]
	if !ok {
		return nil, errors.New("not pinned")
	}
	return data, nil
}

func (p *fakePinner) pinned() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.names...)
}

type recordingEvents struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEvents) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingEvents) Close() error { return nil }

func (r *recordingEvents) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	app    *App
	store  *store.MemoryStore
	pool   *archive.Pool
	pinner *fakePinner
	events *recordingEvents
	clock  *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessOn(t, store.NewMemoryStore(), nil)
}

// newHarnessOn runs the app against backend when set, reading state back
// through mem.
func newHarnessOn(t *testing.T, mem *store.MemoryStore, backend store.Store) *harness {
	t.Helper()
	if backend == nil {
		backend = mem
	}
	h := &harness{
		store:  mem,
		pool:   archive.NewPool(2, 0),
		pinner: &fakePinner{},
		events: &recordingEvents{},
		clock:  &fakeClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
	}
	a, err := New(Config{
		Store:     backend,
		Pinner:    h.pinner,
		Scheduler: h.pool,
		Events:    h.events,
		Now:       h.clock.Now,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	h.app = a
	ctx, cancel := context.WithCancel(context.Background())
	h.pool.Start(ctx, a.RunArchivalTask)
	t.Cleanup(func() {
		h.pool.Wait()
		cancel()
		h.pool.Stop()
	})
	if _, err := a.EnsureAuthority(testAuthority); err != nil {
		t.Fatalf("ensure authority: %v", err)
	}
	return h
}

func validInput(stake uint64, evidence uint32) SubmitInput {
	return SubmitInput{
		Title:         "Illegal dumping near river",
		Description:   "Barrels left on the bank overnight.",
		Category:      "Environmental",
		StakeAmount:   stake,
		EvidenceCount: evidence,
	}
}

func (h *harness) submit(t *testing.T, caller domain.Principal, in SubmitInput) uint64 {
	t.Helper()
	id, err := h.app.Submit(context.Background(), caller, in)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return id
}

func (h *harness) user(t *testing.T, p domain.Principal) domain.User {
	t.Helper()
	u, ok, err := h.store.GetUser(p)
	if err != nil || !ok {
		t.Fatalf("user %s: ok=%v err=%v", p, ok, err)
	}
	return u
}

func (h *harness) report(t *testing.T, id uint64) domain.Report {
	t.Helper()
	r, ok, err := h.store.GetReport(id)
	if err != nil || !ok {
		t.Fatalf("report %d: ok=%v err=%v", id, ok, err)
	}
	return r
}

func assertKind(t *testing.T, err error, want *Error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("err = %v (kind %q), want kind %q", err, KindOf(err), want.Kind)
	}
}

func TestRewardFormula(t *testing.T) {
	cases := []struct {
		stake    uint64
		evidence uint32
		want     uint64
	}{
		{stake: 5, evidence: 0, want: 50},
		{stake: 19, evidence: 2, want: 190},
		{stake: 20, evidence: 3, want: 260},
		{stake: 49, evidence: 0, want: 539},
		{stake: 50, evidence: 0, want: 650},
		{stake: 100, evidence: 5, want: 1500},
	}
	for _, tc := range cases {
		got, _, _ := Reward(tc.stake, tc.evidence)
		if got != tc.want {
			t.Fatalf("Reward(%d, %d) = %d, want %d", tc.stake, tc.evidence, got, tc.want)
		}
	}
}

func TestSubmitThenVerifySettlesStakeAndReward(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.submit(t, alice, validInput(20, 3))

	u := h.user(t, alice)
	if u.TokenBalance != 80 || u.StakesActive != 20 {
		t.Fatalf("after submit: balance=%d active=%d, want 80/20", u.TokenBalance, u.StakesActive)
	}
	if r := h.report(t, id); r.Category != "environmental" || r.Status != domain.StatusPending {
		t.Fatalf("unexpected report: %+v", r)
	}

	if err := h.app.Verify(ctx, testAuthority, id, "confirmed on site"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	r := h.report(t, id)
	if r.Status != domain.StatusApproved || r.RewardAmount != 260 {
		t.Fatalf("status=%s reward=%d, want Approved/260", r.Status, r.RewardAmount)
	}
	if r.Reviewer == nil || *r.Reviewer != testAuthority || r.ReviewDate == nil {
		t.Fatalf("reviewer/date not set together: %+v", r)
	}
	u = h.user(t, alice)
	if u.TokenBalance != 80+280 || u.StakesActive != 0 || u.RewardsEarned != 260 {
		t.Fatalf("after verify: %+v", u)
	}
	auth, _, _ := h.store.GetAuthority(testAuthority)
	if len(auth.ReportsReviewed) != 1 || auth.ApprovalRate != 100 {
		t.Fatalf("authority = %+v", auth)
	}
	msgs, _ := h.store.ListMessages(id)
	if len(msgs) != 2 || msgs[0].Sender.Kind != domain.SenderSystem || !strings.Contains(msgs[1].Content, "260") ||
		!strings.HasSuffix(msgs[1].Content, "Authority notes: confirmed on site") {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestRejectForfeitsStake(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.submit(t, alice, validInput(10, 0))

	if err := h.app.Reject(ctx, testAuthority, id, "   "); !errors.Is(err, ErrInvalid) {
		t.Fatalf("blank notes: err = %v, want validation", err)
	}
	if err := h.app.Reject(ctx, testAuthority, id, "insufficient evidence"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	u := h.user(t, alice)
	if u.TokenBalance != 90 || u.StakesActive != 0 || u.StakesLost != 10 {
		t.Fatalf("after reject: %+v", u)
	}
	r := h.report(t, id)
	if r.Status != domain.StatusRejected || r.RewardAmount != 0 {
		t.Fatalf("unexpected report: %+v", r)
	}
	if r.ReviewNotes == nil || *r.ReviewNotes != "insufficient evidence" {
		t.Fatalf("notes = %v", r.ReviewNotes)
	}
	auth, _, _ := h.store.GetAuthority(testAuthority)
	if auth.ApprovalRate != 0 || len(auth.ReportsReviewed) != 1 {
		t.Fatalf("authority = %+v", auth)
	}
}

func TestBulkVerifySkipsFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	valid := h.submit(t, alice, validInput(10, 0))

	got, err := h.app.BulkVerify(ctx, testAuthority, []uint64{valid, 999, valid}, "")
	if err != nil {
		t.Fatalf("bulk verify: %v", err)
	}
	if len(got) != 1 || got[0] != valid {
		t.Fatalf("verified = %v, want [%d]", got, valid)
	}

	tooMany := make([]uint64, maxBulkVerify+1)
	if _, err := h.app.BulkVerify(ctx, testAuthority, tooMany, ""); !errors.Is(err, ErrInvalid) {
		t.Fatalf("oversized batch: err = %v, want validation", err)
	}
	if _, err := h.app.BulkVerify(ctx, alice, []uint64{valid}, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-authority: err = %v, want authorization", err)
	}
}

// A held report cannot be settled by either operation.
func TestUnderReviewReportCannotBeSettled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.submit(t, alice, validInput(10, 0))

	if err := h.app.PutUnderReview(ctx, testAuthority, id, "checking records"); err != nil {
		t.Fatalf("put under review: %v", err)
	}
	r := h.report(t, id)
	if r.Status != domain.StatusUnderReview || r.Reviewer == nil || r.ReviewDate == nil {
		t.Fatalf("unexpected report: %+v", r)
	}

	for name, op := range map[string]func() error{
		"verify": func() error { return h.app.Verify(ctx, testAuthority, id, "") },
		"reject": func() error { return h.app.Reject(ctx, testAuthority, id, "no") },
		"hold":   func() error { return h.app.PutUnderReview(ctx, testAuthority, id, "") },
	} {
		err := op()
		assertKind(t, err, ErrStateConflict)
		var e *Error
		if !errors.As(err, &e) || e.Status != domain.StatusUnderReview {
			t.Fatalf("%s: conflict does not name current status: %v", name, err)
		}
	}
	if u := h.user(t, alice); u.StakesActive != 10 {
		t.Fatalf("stake should stay escrowed, active = %d", u.StakesActive)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	approved := h.submit(t, alice, validInput(10, 0))
	rejected := h.submit(t, alice, validInput(10, 0))
	if err := h.app.Verify(ctx, testAuthority, approved, ""); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := h.app.Reject(ctx, testAuthority, rejected, "duplicate"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	for _, id := range []uint64{approved, rejected} {
		assertKind(t, h.app.Verify(ctx, testAuthority, id, ""), ErrStateConflict)
		assertKind(t, h.app.Reject(ctx, testAuthority, id, "again"), ErrStateConflict)
		assertKind(t, h.app.PutUnderReview(ctx, testAuthority, id, ""), ErrStateConflict)
	}
	if r := h.report(t, approved); r.Status != domain.StatusApproved {
		t.Fatalf("approved report moved to %s", r.Status)
	}
	if r := h.report(t, rejected); r.Status != domain.StatusRejected {
		t.Fatalf("rejected report moved to %s", r.Status)
	}
}

func TestLifecycleRequiresAuthority(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.submit(t, alice, validInput(10, 0))

	assertKind(t, h.app.Verify(ctx, alice, id, ""), ErrUnauthorized)
	assertKind(t, h.app.Reject(ctx, domain.Anonymous, id, "x"), ErrUnauthorized)
	assertKind(t, h.app.PutUnderReview(ctx, bob, id, ""), ErrUnauthorized)
	assertKind(t, h.app.Verify(ctx, testAuthority, 404, ""), ErrNotFound)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cases := map[string]func(*SubmitInput){
		"blank title":       func(in *SubmitInput) { in.Title = "   " },
		"long title":        func(in *SubmitInput) { in.Title = strings.Repeat("t", maxTitleLen+1) },
		"blank desc":        func(in *SubmitInput) { in.Description = "" },
		"long desc":         func(in *SubmitInput) { in.Description = strings.Repeat("d", maxDescriptionLen+1) },
		"unknown category":  func(in *SubmitInput) { in.Category = "gossip" },
		"stake too low":     func(in *SubmitInput) { in.StakeAmount = 4 },
		"stake too high":    func(in *SubmitInput) { in.StakeAmount = 1001 },
		"too much evidence": func(in *SubmitInput) { in.EvidenceCount = 11 },
	}
	for name, mutate := range cases {
		in := validInput(10, 0)
		mutate(&in)
		if _, err := h.app.Submit(ctx, alice, in); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: err = %v, want validation", name, err)
		}
	}
	if _, err := h.app.Submit(ctx, domain.Anonymous, validInput(10, 0)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("anonymous: err = %v, want authorization", err)
	}
	if _, ok, _ := h.store.GetUser(alice); ok {
		t.Fatal("failed submissions must not materialize the user")
	}
	if id := h.submit(t, alice, validInput(10, 0)); id != 1 {
		t.Fatalf("first successful report id = %d, want 1", id)
	}
}

func TestSubmitTrimsTextAndAcceptsBoundaries(t *testing.T) {
	h := newHarness(t)
	in := validInput(minStake, maxDeclaredEvidence)
	in.Title = "  " + strings.Repeat("é", maxTitleLen) + "  "
	in.Category = "  DOMESTIC_VIOLENCE "
	id := h.submit(t, alice, in)
	r := h.report(t, id)
	if r.Title != strings.Repeat("é", maxTitleLen) || r.Category != "domestic_violence" {
		t.Fatalf("unexpected normalisation: title=%q category=%q", r.Title, r.Category)
	}
}

func TestSubmitCapsPendingReports(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var first uint64
	for i := 0; i < maxPendingPerUser; i++ {
		id := h.submit(t, alice, validInput(5, 0))
		if i == 0 {
			first = id
		}
	}
	if _, err := h.app.Submit(ctx, alice, validInput(5, 0)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("sixth pending: err = %v, want validation", err)
	}
	if err := h.app.Verify(ctx, testAuthority, first, ""); err != nil {
		t.Fatalf("verify: %v", err)
	}
	h.submit(t, alice, validInput(5, 0))
}

func TestSubmitRequiresBalance(t *testing.T) {
	h := newHarness(t)
	_, err := h.app.Submit(context.Background(), alice, validInput(101, 0))
	assertKind(t, err, ErrInsufficientBalance)
	bal, err := h.app.Balance(alice)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal != newUserBonus {
		t.Fatalf("balance = %d, want %d", bal, newUserBonus)
	}
}

func TestIDsAreMonotonic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var last uint64
	for i := 0; i < 3; i++ {
		id := h.submit(t, alice, validInput(5, 0))
		if id <= last {
			t.Fatalf("report id %d not greater than %d", id, last)
		}
		last = id
		if _, err := h.app.Submit(ctx, alice, validInput(1, 0)); err == nil {
			t.Fatal("expected validation failure")
		}
	}
	var lastMsg uint64
	for id := uint64(1); id <= last; id++ {
		msgs, _ := h.store.ListMessages(id)
		for _, m := range msgs {
			if m.ID <= lastMsg {
				t.Fatalf("message id %d not greater than %d", m.ID, lastMsg)
			}
			lastMsg = m.ID
		}
	}
}

func TestIndexesMatchFullScan(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	categories := []string{"fraud", "Theft", "safety"}
	for i := 0; i < 9; i++ {
		in := validInput(5, 0)
		in.Category = categories[i%len(categories)]
		submitter := alice
		if i%2 == 1 {
			submitter = bob
		}
		h.submit(t, submitter, in)
	}
	_ = h.app.Verify(ctx, testAuthority, 1, "")
	_ = h.app.Reject(ctx, testAuthority, 2, "no")
	_ = h.app.PutUnderReview(ctx, testAuthority, 3, "")

	check := func(label string) {
		t.Helper()
		all, _ := h.store.ListReports()
		for _, s := range domain.Statuses {
			var want []uint64
			for _, r := range all {
				if r.Status == s {
					want = append(want, r.ID)
				}
			}
			got := h.app.index.ByStatus(s)
			if fmt.Sprint(got) != fmt.Sprint(want) && !(len(got) == 0 && len(want) == 0) {
				t.Fatalf("%s: status %s index=%v scan=%v", label, s, got, want)
			}
		}
		for _, c := range categories {
			var want []uint64
			for _, r := range all {
				if strings.EqualFold(r.Category, c) {
					want = append(want, r.ID)
				}
			}
			if got := h.app.index.ByCategory(c); fmt.Sprint(got) != fmt.Sprint(want) {
				t.Fatalf("%s: category %s index=%v scan=%v", label, c, got, want)
			}
		}
	}
	check("incremental")
	if err := h.app.RebuildIndexes(); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	check("rebuild")

	mine, err := h.app.UserReports(alice)
	if err != nil {
		t.Fatalf("user reports: %v", err)
	}
	if got := h.app.index.BySubmitter(alice); len(got) != len(mine) {
		t.Fatalf("submitter index=%v, full scan=%d reports", got, len(mine))
	}
}

func TestLifecycleEventsPublished(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.submit(t, alice, validInput(5, 0))
	b := h.submit(t, alice, validInput(5, 0))
	c := h.submit(t, alice, validInput(5, 0))
	_ = h.app.Verify(ctx, testAuthority, a, "")
	_ = h.app.Reject(ctx, testAuthority, b, "no")
	_ = h.app.PutUnderReview(ctx, testAuthority, c, "")

	want := []events.Type{
		events.ReportSubmitted, events.ReportSubmitted, events.ReportSubmitted,
		events.ReportApproved, events.ReportRejected, events.ReportUnderReview,
	}
	if got := h.events.types(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

// failingStore fails PutUser while failUsers is set, after any earlier
// writes of the same operation have gone through.
type failingStore struct {
	*store.MemoryStore
	mu        sync.Mutex
	failUsers error
}

func (s *failingStore) setFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUsers = err
}

func (s *failingStore) PutUser(u domain.User) error {
	s.mu.Lock()
	err := s.failUsers
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryStore.PutUser(u)
}

func (s *failingStore) Atomic(fn func(store.Store) error) error {
	return s.MemoryStore.Atomic(func(store.Store) error { return fn(s) })
}

func TestFailedWriteLeavesNoPartialSettlement(t *testing.T) {
	mem := store.NewMemoryStore()
	backend := &failingStore{MemoryStore: mem}
	h := newHarnessOn(t, mem, backend)
	ctx := context.Background()
	id := h.submit(t, alice, validInput(20, 3))
	h.pool.Wait()

	dbErr := errors.New("db: connection reset")
	backend.setFailure(dbErr)
	if err := h.app.Verify(ctx, testAuthority, id, "ok"); !errors.Is(err, dbErr) {
		t.Fatalf("verify err = %v, want %v", err, dbErr)
	}
	r := h.report(t, id)
	if r.Status != domain.StatusPending || r.RewardAmount != 0 || r.Reviewer != nil {
		t.Fatalf("report changed by failed verify: %+v", r)
	}
	if u := h.user(t, alice); u.TokenBalance != 80 || u.StakesActive != 20 || u.RewardsEarned != 0 {
		t.Fatalf("user changed by failed verify: %+v", u)
	}
	if msgs, _ := h.store.ListMessages(id); len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if auth, _, _ := h.store.GetAuthority(testAuthority); len(auth.ReportsReviewed) != 0 {
		t.Fatalf("authority recorded a failed review: %+v", auth)
	}
	if got := h.app.index.ByStatus(domain.StatusPending); fmt.Sprint(got) != fmt.Sprint([]uint64{id}) {
		t.Fatalf("pending index = %v, want [%d]", got, id)
	}

	if _, err := h.app.Submit(ctx, bob, validInput(10, 0)); !errors.Is(err, dbErr) {
		t.Fatalf("submit err = %v, want %v", err, dbErr)
	}
	if _, ok, _ := h.store.GetReport(id + 1); ok {
		t.Fatal("failed submit left a report behind")
	}
	if _, ok, _ := h.store.GetUser(bob); ok {
		t.Fatal("failed submit left a user behind")
	}

	backend.setFailure(nil)
	if err := h.app.Verify(ctx, testAuthority, id, "ok"); err != nil {
		t.Fatalf("retry verify: %v", err)
	}
	if u := h.user(t, alice); u.TokenBalance != 80+280 || u.StakesActive != 0 || u.RewardsEarned != 260 {
		t.Fatalf("after retry: %+v", u)
	}
	if next := h.submit(t, bob, validInput(10, 0)); next != id+1 {
		t.Fatalf("report id after rollback = %d, want %d", next, id+1)
	}
}

func TestStalledArchivalDoesNotBlockSubmit(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.pinner.gate = gate

	done := make(chan error, 1)
	go func() {
		for _, p := range []domain.Principal{alice, bob, "carol", "dave"} {
			if _, err := h.app.Submit(context.Background(), p, validInput(10, 0)); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
	case <-time.After(2 * time.Second):
		close(gate)
		t.Fatal("Submit blocked behind stalled archival pins")
	}

	close(gate)
	h.pool.Wait()
	for id := uint64(1); id <= 4; id++ {
		if r := h.report(t, id); r.ArchiveHash == nil {
			t.Fatalf("report %d not archived once pins resumed", id)
		}
	}
}

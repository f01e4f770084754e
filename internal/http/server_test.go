package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"scadenze/internal/core"
	"scadenze/internal/storage"
)

type fakeRepo struct {
	users     map[int64]*storage.User
	subs      map[int64]*core.Subscription
	payments  map[int64]*core.Payment
	subOwner  map[int64]int64 // payment ID -> owning user ID
	nextID    int64
	listCalls int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:    make(map[int64]*storage.User),
		subs:     make(map[int64]*core.Subscription),
		payments: make(map[int64]*core.Payment),
		subOwner: make(map[int64]int64),
		nextID:   1,
	}
}

func (f *fakeRepo) id() int64 {
	id := f.nextID
	f.nextID++
	return id
}

func (f *fakeRepo) CreateUser(_ context.Context, email, name string) (*storage.User, error) {
	u := &storage.User{ID: f.id(), Email: email, Name: name}
	f.users[u.ID] = u
	return u, nil
}

func (f *fakeRepo) CreateSubscription(_ context.Context, sub *core.Subscription) error {
	sub.ID = f.id()
	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	cp := *sub
	f.subs[sub.ID] = &cp
	return nil
}

func (f *fakeRepo) GetSubscription(_ context.Context, id int64) (*core.Subscription, error) {
	sub, ok := f.subs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeRepo) ListSubscriptions(_ context.Context, userID int64) ([]core.Subscription, error) {
	f.listCalls++
	var out []core.Subscription
	for _, sub := range f.subs {
		if sub.UserID == userID {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (f *fakeRepo) UpdateSubscription(_ context.Context, sub *core.Subscription) error {
	if _, ok := f.subs[sub.ID]; !ok {
		return storage.ErrNotFound
	}
	cp := *sub
	f.subs[sub.ID] = &cp
	return nil
}

func (f *fakeRepo) DeleteSubscription(_ context.Context, id int64) error {
	if _, ok := f.subs[id]; !ok {
		return storage.ErrNotFound
	}
	delete(f.subs, id)
	return nil
}

func (f *fakeRepo) ListPayments(_ context.Context, userID int64, status core.PaymentStatus, year int) ([]storage.PaymentWithSubscription, error) {
	var out []storage.PaymentWithSubscription
	for id, p := range f.payments {
		if f.subOwner[id] != userID {
			continue
		}
		if status != "" && p.Status != status {
			continue
		}
		if year > 0 && p.DueDate.Year() != year {
			continue
		}
		out = append(out, storage.PaymentWithSubscription{
			Payment:          *p,
			SubscriptionName: "Netflix",
			Currency:         "EUR",
			Type:             core.TypeSubscription,
		})
	}
	return out, nil
}

func (f *fakeRepo) GetPayment(_ context.Context, paymentID, userID int64) (*core.Payment, error) {
	p, ok := f.payments[paymentID]
	if !ok || f.subOwner[paymentID] != userID {
		return nil, storage.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeRepo) MarkPaymentPaid(ctx context.Context, paymentID, userID int64, now time.Time) (*core.Payment, error) {
	p, err := f.GetPayment(ctx, paymentID, userID)
	if err != nil {
		return nil, err
	}
	p.Status = core.PaymentPaid
	p.PaidDate = core.NewDate(now.Year(), int(now.Month()), now.Day())
	f.payments[paymentID] = p
	cp := *p
	return &cp, nil
}

func (f *fakeRepo) UnmarkPaymentPaid(ctx context.Context, paymentID, userID int64) (*core.Payment, error) {
	p, err := f.GetPayment(ctx, paymentID, userID)
	if err != nil {
		return nil, err
	}
	p.Status = core.PaymentPending
	p.PaidDate = core.Date{}
	f.payments[paymentID] = p
	cp := *p
	return &cp, nil
}

type fakeGenerator struct {
	regenerated []int64
	bulkUsers   []int64
	sweptUsers  []int64
	created     int
	swept       int64
}

func (f *fakeGenerator) RegenerateSchedule(_ context.Context, subscriptionID int64, _ time.Time) ([]core.Payment, error) {
	f.regenerated = append(f.regenerated, subscriptionID)
	return nil, nil
}

func (f *fakeGenerator) RegenerateAllForUser(_ context.Context, userID int64, _ time.Time) (int, error) {
	f.bulkUsers = append(f.bulkUsers, userID)
	return f.created, nil
}

func (f *fakeGenerator) SweepOverdue(_ context.Context, userID int64, _ time.Time) (int64, error) {
	f.sweptUsers = append(f.sweptUsers, userID)
	return f.swept, nil
}

func newTestServer() (*Server, *fakeRepo, *fakeGenerator) {
	repo := newFakeRepo()
	gen := &fakeGenerator{}
	return NewServer(":0", repo, gen), repo, gen
}

func doRequest(s *Server, method, target, userID, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	s.Server.Handler.ServeHTTP(rec, req)
	return rec
}

func seedRepoSubscription(repo *fakeRepo, userID int64) *core.Subscription {
	sub := &core.Subscription{
		UserID:    userID,
		Name:      "Netflix",
		Type:      core.TypeSubscription,
		Amount:    core.Money{Cents: 1299},
		Currency:  "EUR",
		Frequency: core.Monthly,
		StartDate: core.NewDate(2025, 1, 1),
		Status:    core.StatusActive,
	}
	_ = repo.CreateSubscription(context.Background(), sub)
	return sub
}

func TestAuthRequired(t *testing.T) {
	s, _, _ := newTestServer()

	endpoints := []struct {
		method string
		target string
	}{
		{http.MethodGet, "/api/subscriptions"},
		{http.MethodPost, "/api/subscriptions"},
		{http.MethodGet, "/api/payments"},
		{http.MethodPost, "/api/payments/generate"},
		{http.MethodGet, "/api/dashboard"},
	}
	for _, ep := range endpoints {
		rec := doRequest(s, ep.method, ep.target, "", "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without X-User-ID = %d, want 401", ep.method, ep.target, rec.Code)
		}
	}
}

func TestCreateSubscription(t *testing.T) {
	s, _, gen := newTestServer()

	body := `{"name":"Netflix","type":"SUBSCRIPTION","amount":12.99,"currency":"EUR","frequency":"MONTHLY","startDate":"2025-01-01"}`
	rec := doRequest(s, http.MethodPost, "/api/subscriptions", "1", body)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body)
	}

	var got subscriptionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if got.ID == 0 || got.Amount != 12.99 || got.Status != "ACTIVE" {
		t.Errorf("response = %+v, want persisted ACTIVE subscription at 12.99", got)
	}
	if got.EndDate != nil {
		t.Errorf("endDate = %v, want null", *got.EndDate)
	}

	if len(gen.regenerated) != 1 || gen.regenerated[0] != got.ID {
		t.Errorf("schedule not regenerated for new subscription: %v", gen.regenerated)
	}
}

func TestCreateSubscription_ValidationErrors(t *testing.T) {
	s, _, gen := newTestServer()

	body := `{"name":"","type":"SUBSCRIPTION","amount":-5,"currency":"EUR","frequency":"SOMETIMES","startDate":"2025-01-01"}`
	rec := doRequest(s, http.MethodPost, "/api/subscriptions", "1", body)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body)
	}

	var got errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	fields := make(map[string]bool)
	for _, f := range got.Fields {
		fields[f.Field] = true
	}
	for _, want := range []string{"name", "amount", "frequency"} {
		if !fields[want] {
			t.Errorf("field %q missing from validation response: %+v", want, got.Fields)
		}
	}

	if len(gen.regenerated) != 0 {
		t.Error("schedule regenerated despite validation failure")
	}
}

func TestGetSubscription_OwnershipScoped(t *testing.T) {
	s, repo, _ := newTestServer()
	sub := seedRepoSubscription(repo, 1)

	rec := doRequest(s, http.MethodGet, "/api/subscriptions/"+itoa(sub.ID), "2", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("other user's fetch = %d, want 404", rec.Code)
	}

	rec = doRequest(s, http.MethodGet, "/api/subscriptions/"+itoa(sub.ID), "1", "")
	if rec.Code != http.StatusOK {
		t.Errorf("owner's fetch = %d, want 200", rec.Code)
	}
}

func TestUpdateSubscription_RegeneratesWhileActive(t *testing.T) {
	s, repo, gen := newTestServer()
	sub := seedRepoSubscription(repo, 1)

	body := `{"name":"Netflix","type":"SUBSCRIPTION","amount":17.99,"currency":"EUR","frequency":"MONTHLY","startDate":"2025-01-01"}`
	rec := doRequest(s, http.MethodPut, "/api/subscriptions/"+itoa(sub.ID), "1", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	if len(gen.regenerated) != 1 {
		t.Errorf("schedule not regenerated after update: %v", gen.regenerated)
	}

	// Cancelling skips regeneration; the unpaid schedule is left alone.
	body = `{"name":"Netflix","type":"SUBSCRIPTION","amount":17.99,"currency":"EUR","frequency":"MONTHLY","startDate":"2025-01-01","status":"CANCELLED"}`
	rec = doRequest(s, http.MethodPut, "/api/subscriptions/"+itoa(sub.ID), "1", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, want 200: %s", rec.Code, rec.Body)
	}
	if len(gen.regenerated) != 1 {
		t.Errorf("schedule regenerated for cancelled subscription: %v", gen.regenerated)
	}
}

func TestDeleteSubscription(t *testing.T) {
	s, repo, _ := newTestServer()
	sub := seedRepoSubscription(repo, 1)

	rec := doRequest(s, http.MethodDelete, "/api/subscriptions/"+itoa(sub.ID), "1", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if _, ok := repo.subs[sub.ID]; ok {
		t.Error("subscription still in store after delete")
	}

	rec = doRequest(s, http.MethodDelete, "/api/subscriptions/"+itoa(sub.ID), "1", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", rec.Code)
	}
}

func TestListPayments_InvalidFilters(t *testing.T) {
	s, _, _ := newTestServer()

	rec := doRequest(s, http.MethodGet, "/api/payments?status=SETTLED", "1", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid status filter = %d, want 400", rec.Code)
	}

	rec = doRequest(s, http.MethodGet, "/api/payments?year=abc", "1", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid year filter = %d, want 400", rec.Code)
	}
}

func TestMarkAndUnmarkPayment(t *testing.T) {
	s, repo, _ := newTestServer()
	sub := seedRepoSubscription(repo, 1)

	paymentID := repo.id()
	repo.payments[paymentID] = &core.Payment{
		ID:             paymentID,
		SubscriptionID: sub.ID,
		Amount:         core.Money{Cents: 1299},
		DueDate:        core.NewDate(2025, 2, 1),
		Status:         core.PaymentPending,
	}
	repo.subOwner[paymentID] = 1

	rec := doRequest(s, http.MethodPost, "/api/payments/"+itoa(paymentID)+"/mark-paid", "1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("mark-paid status = %d, want 200: %s", rec.Code, rec.Body)
	}
	var got paymentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if got.Status != "PAID" || got.PaidDate == nil {
		t.Errorf("mark-paid response = %+v, want PAID with a paid date", got)
	}

	rec = doRequest(s, http.MethodPost, "/api/payments/"+itoa(paymentID)+"/unmark", "1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unmark status = %d, want 200: %s", rec.Code, rec.Body)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if got.Status != "PENDING" || got.PaidDate != nil {
		t.Errorf("unmark response = %+v, want PENDING with no paid date", got)
	}

	// Another user cannot touch the payment.
	rec = doRequest(s, http.MethodPost, "/api/payments/"+itoa(paymentID)+"/mark-paid", "2", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("non-owner mark-paid = %d, want 404", rec.Code)
	}
}

func TestGeneratePayments(t *testing.T) {
	s, _, gen := newTestServer()
	gen.created = 7

	rec := doRequest(s, http.MethodPost, "/api/payments/generate", "1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	var got map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if got["created"] != 7 {
		t.Errorf("created = %d, want 7", got["created"])
	}
	if len(gen.bulkUsers) != 1 || gen.bulkUsers[0] != 1 {
		t.Errorf("bulk regeneration users = %v, want [1]", gen.bulkUsers)
	}
}

func TestUpdateOverdue(t *testing.T) {
	s, _, gen := newTestServer()
	gen.swept = 3

	rec := doRequest(s, http.MethodPost, "/api/payments/update-overdue", "1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	var got map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if got["updated"] != 3 {
		t.Errorf("updated = %d, want 3", got["updated"])
	}
	if len(gen.sweptUsers) != 1 || gen.sweptUsers[0] != 1 {
		t.Errorf("sweep users = %v, want [1]", gen.sweptUsers)
	}
}

func TestDashboard_CachedPerUser(t *testing.T) {
	s, repo, _ := newTestServer()
	seedRepoSubscription(repo, 1)

	rec := doRequest(s, http.MethodGet, "/api/dashboard", "1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	var got dashboardResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if len(got.Subscriptions) != 1 || got.MonthlyTotal != 12.99 {
		t.Errorf("dashboard = %+v, want one subscription at 12.99/month", got)
	}

	// Second hit is served from the cache.
	doRequest(s, http.MethodGet, "/api/dashboard", "1", "")
	if repo.listCalls != 1 {
		t.Errorf("repo queried %d times for two dashboard reads, want 1", repo.listCalls)
	}

	// A different user never sees the cached entry.
	doRequest(s, http.MethodGet, "/api/dashboard", "2", "")
	if repo.listCalls != 2 {
		t.Errorf("repo queried %d times after a second user, want 2", repo.listCalls)
	}
}

func TestDashboard_InvalidatedByWrites(t *testing.T) {
	s, repo, _ := newTestServer()
	seedRepoSubscription(repo, 1)

	doRequest(s, http.MethodGet, "/api/dashboard", "1", "")

	body := `{"name":"Spotify","type":"SUBSCRIPTION","amount":9.99,"currency":"EUR","frequency":"MONTHLY","startDate":"2025-01-01"}`
	rec := doRequest(s, http.MethodPost, "/api/subscriptions", "1", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body)
	}

	rec = doRequest(s, http.MethodGet, "/api/dashboard", "1", "")
	var got dashboardResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if len(got.Subscriptions) != 2 {
		t.Errorf("dashboard shows %d subscriptions after create, want 2", len(got.Subscriptions))
	}
}

func TestCreateUser(t *testing.T) {
	s, _, _ := newTestServer()

	rec := doRequest(s, http.MethodPost, "/api/users", "", `{"email":"new@example.com","name":"New User"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body)
	}
	var got userResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if got.ID == 0 || got.Email != "new@example.com" {
		t.Errorf("response = %+v, want persisted user", got)
	}

	rec = doRequest(s, http.MethodPost, "/api/users", "", `{"email":"not an email","name":"X"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid email status = %d, want 400", rec.Code)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

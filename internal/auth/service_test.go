package auth_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"collegium.org/internal/auth"
	"collegium.org/internal/cache"
	"collegium.org/internal/store/memory"
	"collegium.org/internal/store/pg"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type captureSender struct {
	mu    sync.Mutex
	codes map[string]string
	err   error
}

func (s *captureSender) Send(_ context.Context, email, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.codes == nil {
		s.codes = map[string]string{}
	}
	s.codes[email] = code
	return s.err
}

func (s *captureSender) code(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codes[email]
}

type fixture struct {
	svc    *auth.Service
	store  *memory.Store
	kv     cache.Store
	sender *captureSender
	clock  *clock
}

func newFixture(t *testing.T, opts ...auth.ServiceOption) *fixture {
	t.Helper()
	f := &fixture{
		store:  memory.New(),
		sender: &captureSender{},
		clock:  &clock{now: time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)},
	}
	f.kv = cache.NewMemoryStore(time.Hour).WithClock(f.clock.Now)
	base := []auth.ServiceOption{
		auth.WithClock(f.clock.Now),
		auth.WithSender(f.sender),
		auth.WithIssuer("collegium-test"),
		auth.WithPasswordCost(bcrypt.MinCost),
		auth.WithOTP(5*time.Minute, 6, 10),
	}
	svc, err := auth.NewService(f.store, f.kv, secret, append(base, opts...)...)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) signup(t *testing.T, email, password string) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.svc.SignupRequestOTP(ctx, email))
	code := f.sender.code(email)
	require.Len(t, code, 6)
	id, err := f.svc.SignupCompleteWithOTP(ctx, email, code, password)
	require.NoError(t, err)
	return id
}

func (f *fixture) login(t *testing.T, email, password string) auth.LoginResult {
	t.Helper()
	res, err := f.svc.Login(context.Background(), email, password)
	require.NoError(t, err)
	return res
}

func TestSignupLoginLogoutScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.SignupRequestOTP(ctx, "a@x.edu"))
	code := f.sender.code("a@x.edu")
	require.NoError(t, f.svc.VerifyOTP(ctx, "a@x.edu", code))

	id, err := f.svc.SignupCompleteWithOTP(ctx, "a@x.edu", code, "P@ssw0rd1")
	require.NoError(t, err)

	res, err := f.svc.Login(ctx, "a@x.edu", "P@ssw0rd1")
	require.NoError(t, err)
	assert.Equal(t, id, res.AccountID)
	assert.Equal(t, auth.RolePrincipal, res.Role)
	assert.NotEmpty(t, res.Token)

	ident, err := f.svc.Authenticate(ctx, res.Token)
	require.NoError(t, err)
	assert.Equal(t, auth.RolePrincipal, ident.Role)
	assert.Equal(t, id, ident.AccountID)
	assert.NotEmpty(t, ident.CollegeID)

	require.NoError(t, f.svc.Logout(ctx, res.Token))
	_, err = f.svc.Authenticate(ctx, res.Token)
	assert.ErrorIs(t, err, auth.ErrTokenRevoked)
}

func TestSignupCompleteTwiceFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.SignupRequestOTP(ctx, "b@x.edu"))
	code := f.sender.code("b@x.edu")

	_, err := f.svc.SignupCompleteWithOTP(ctx, "b@x.edu", code, "P@ssw0rd1")
	require.NoError(t, err)
	_, err = f.svc.SignupCompleteWithOTP(ctx, "b@x.edu", code, "P@ssw0rd1")
	assert.ErrorIs(t, err, auth.ErrInvalidOrExpiredCode)
}

func TestConsumeTwiceFailsWithInvalidCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.SignupRequestOTP(ctx, "c@x.edu"))
	code := f.sender.code("c@x.edu")

	otp := auth.NewOTPIssuer(f.store.Challenges(), f.store.Accounts(), nil, 0, 6, 10, f.clock.Now, nil)
	require.NoError(t, otp.Consume(ctx, "c@x.edu", code))
	assert.ErrorIs(t, otp.Consume(ctx, "c@x.edu", code), auth.ErrInvalidOrExpiredCode)
}

func TestConcurrentSignupCompletionSucceedsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.SignupRequestOTP(ctx, "race@x.edu"))
	code := f.sender.code("race@x.edu")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.SignupCompleteWithOTP(ctx, "race@x.edu", code, "P@ssw0rd1"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}

func TestIssueRejectsRegisteredEmail(t *testing.T) {
	f := newFixture(t)
	f.signup(t, "d@x.edu", "P@ssw0rd1")
	err := f.svc.SignupRequestOTP(context.Background(), "D@X.edu")
	assert.ErrorIs(t, err, auth.ErrAlreadyRegistered)
}

func TestVerifyDoesNotConsumeAndRejectsWrongCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.SignupRequestOTP(ctx, "e@x.edu"))
	code := f.sender.code("e@x.edu")

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	assert.ErrorIs(t, f.svc.VerifyOTP(ctx, "e@x.edu", wrong), auth.ErrInvalidOrExpiredCode)
	assert.ErrorIs(t, f.svc.VerifyOTP(ctx, "e@x.edu", "12ab56"), auth.ErrInvalidOrExpiredCode)
	require.NoError(t, f.svc.VerifyOTP(ctx, "e@x.edu", code))
	require.NoError(t, f.svc.VerifyOTP(ctx, "e@x.edu", code))

	_, err := f.svc.SignupCompleteWithOTP(ctx, "e@x.edu", code, "P@ssw0rd1")
	assert.NoError(t, err)
}

func TestExpiredAndSupersededCodesAreRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.SignupRequestOTP(ctx, "f@x.edu"))
	first := f.sender.code("f@x.edu")
	f.clock.Advance(time.Minute)
	require.NoError(t, f.svc.SignupRequestOTP(ctx, "f@x.edu"))
	second := f.sender.code("f@x.edu")
	if first != second {
		assert.ErrorIs(t, f.svc.VerifyOTP(ctx, "f@x.edu", first), auth.ErrInvalidOrExpiredCode)
	}
	require.NoError(t, f.svc.VerifyOTP(ctx, "f@x.edu", second))

	f.clock.Advance(5 * time.Minute)
	assert.ErrorIs(t, f.svc.VerifyOTP(ctx, "f@x.edu", second), auth.ErrInvalidOrExpiredCode)
	_, err := f.svc.SignupCompleteWithOTP(ctx, "f@x.edu", second, "P@ssw0rd1")
	assert.ErrorIs(t, err, auth.ErrInvalidOrExpiredCode)
}

func TestVerifyIsThrottledPerEmail(t *testing.T) {
	f := newFixture(t, auth.WithOTP(5*time.Minute, 6, 3))
	ctx := context.Background()
	require.NoError(t, f.svc.SignupRequestOTP(ctx, "g@x.edu"))
	code := f.sender.code("g@x.edu")

	for i := 0; i < 3; i++ {
		require.NoError(t, f.svc.VerifyOTP(ctx, "g@x.edu", code))
	}
	assert.ErrorIs(t, f.svc.VerifyOTP(ctx, "g@x.edu", code), auth.ErrRateLimited)

	f.clock.Advance(time.Minute)
	assert.NoError(t, f.svc.VerifyOTP(ctx, "g@x.edu", code))
}

func TestVerifyThrottleIsSharedAcrossInstances(t *testing.T) {
	f := newFixture(t, auth.WithOTP(5*time.Minute, 6, 3))
	ctx := context.Background()
	require.NoError(t, f.svc.SignupRequestOTP(ctx, "shared@x.edu"))
	code := f.sender.code("shared@x.edu")

	peer, err := auth.NewService(f.store, f.kv, secret,
		auth.WithClock(f.clock.Now), auth.WithPasswordCost(bcrypt.MinCost), auth.WithOTP(5*time.Minute, 6, 3))
	require.NoError(t, err)

	require.NoError(t, f.svc.VerifyOTP(ctx, "shared@x.edu", code))
	require.NoError(t, peer.VerifyOTP(ctx, "shared@x.edu", code))
	require.NoError(t, f.svc.VerifyOTP(ctx, "shared@x.edu", code))
	assert.ErrorIs(t, peer.VerifyOTP(ctx, "shared@x.edu", code), auth.ErrRateLimited)
	assert.ErrorIs(t, f.svc.VerifyOTP(ctx, "shared@x.edu", code), auth.ErrRateLimited)
}

func TestSenderFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.sender.err = errors.New("smtp down")
	require.NoError(t, f.svc.SignupRequestOTP(context.Background(), "h@x.edu"))
	assert.NotEmpty(t, f.sender.code("h@x.edu"))
}

func TestSignupRejectsWeakPasswordWithoutBurningCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.SignupRequestOTP(ctx, "i@x.edu"))
	code := f.sender.code("i@x.edu")

	_, err := f.svc.SignupCompleteWithOTP(ctx, "i@x.edu", code, "short")
	assert.ErrorIs(t, err, auth.ErrInvalidInput)
	_, err = f.svc.SignupCompleteWithOTP(ctx, "i@x.edu", code, "P@ssw0rd1")
	assert.NoError(t, err)
}

func TestLoginFailuresAreUniform(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signup(t, "j@x.edu", "P@ssw0rd1")

	_, errUnknown := f.svc.Login(ctx, "nobody@x.edu", "P@ssw0rd1")
	_, errWrong := f.svc.Login(ctx, "j@x.edu", "wrong-pass1")
	assert.ErrorIs(t, errUnknown, auth.ErrInvalidCredentials)
	assert.ErrorIs(t, errWrong, auth.ErrInvalidCredentials)
	assert.Equal(t, errUnknown.Error(), errWrong.Error())

	res := f.login(t, " J@X.EDU ", "P@ssw0rd1")
	acct, err := f.svc.Account(ctx, res.AccountID)
	require.NoError(t, err)
	require.NotNil(t, acct.LastLoginAt)
	assert.Equal(t, f.clock.Now(), *acct.LastLoginAt)
}

func TestAuthenticateExpiredToken(t *testing.T) {
	f := newFixture(t)
	f.signup(t, "k@x.edu", "P@ssw0rd1")
	res := f.login(t, "k@x.edu", "P@ssw0rd1")
	f.clock.Advance(31 * time.Minute)
	_, err := f.svc.Authenticate(context.Background(), res.Token)
	assert.ErrorIs(t, err, auth.ErrExpiredToken)
}

// org builds a college with a department, its head and a staff member.
type org struct {
	principalID string
	deptID      string
	otherDeptID string
	headID      string
	staffID     string
}

func (f *fixture) org(t *testing.T) org {
	t.Helper()
	ctx := context.Background()
	var o org
	o.principalID = f.signup(t, "principal@x.edu", "P@ssw0rd1")

	dept, err := f.svc.CreateDepartment(ctx, o.principalID, "Computer Science", "cs", auth.DepartmentAcademic)
	require.NoError(t, err)
	o.deptID = dept.ID
	other, err := f.svc.CreateDepartment(ctx, o.principalID, "Physics", "PHY", auth.DepartmentAcademic)
	require.NoError(t, err)
	o.otherDeptID = other.ID

	head, err := f.svc.CreateAccount(ctx, o.principalID, auth.NewAccount{
		Email: "head@x.edu", Password: "Headpass1", Role: auth.RoleDepartmentHead, DepartmentID: o.deptID,
	})
	require.NoError(t, err)
	o.headID = head.ID

	_, err = f.svc.AssignDepartmentHead(ctx, o.principalID, o.deptID, o.headID)
	require.NoError(t, err)

	staff, err := f.svc.CreateAccount(ctx, o.headID, auth.NewAccount{
		Email: "staff@x.edu", Password: "Staffpass1", Role: auth.RoleStaff, DepartmentID: o.deptID,
	})
	require.NoError(t, err)
	o.staffID = staff.ID
	return o
}

func TestDepartmentScopedGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.org(t)

	_, err := f.svc.GrantModule(ctx, o.principalID, auth.Grant{
		AccountID: o.headID, Module: auth.ModuleStudents, Scope: auth.ScopeDepartment, CanRead: true,
	})
	require.NoError(t, err)

	d, err := f.svc.Authorize(ctx, o.headID, auth.ModuleStudents, auth.ActionRead, auth.Target{DepartmentID: o.otherDeptID})
	assert.ErrorIs(t, err, auth.ErrOutOfScope)
	assert.False(t, d.Allowed)

	d, err = f.svc.Authorize(ctx, o.headID, auth.ModuleStudents, auth.ActionRead, auth.Target{DepartmentID: o.deptID})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, auth.ResolvedScope{Kind: auth.ScopeDepartment, DepartmentID: o.deptID}, d.Scope)

	_, err = f.svc.Authorize(ctx, o.headID, auth.ModuleStudents, auth.ActionWrite, auth.Target{DepartmentID: o.deptID})
	assert.ErrorIs(t, err, auth.ErrInsufficientPermission)
}

func TestDepartmentHeadCannotCreateCollegeAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.org(t)

	for _, dept := range []string{o.deptID, o.otherDeptID, ""} {
		_, err := f.svc.CreateAccount(ctx, o.headID, auth.NewAccount{
			Email: "admin@x.edu", Password: "Adminpass1", Role: auth.RoleCollegeAdmin, DepartmentID: dept,
		})
		assert.ErrorIs(t, err, auth.ErrInsufficientPermission)
	}
	_, err := f.svc.CreateAccount(ctx, o.headID, auth.NewAccount{
		Email: "far@x.edu", Password: "Farpass12", Role: auth.RoleStaff, DepartmentID: o.otherDeptID,
	})
	assert.ErrorIs(t, err, auth.ErrInsufficientPermission)
}

func TestUpdateAccountIsVisibleToNextAuthorize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.org(t)

	// Warm the profile cache.
	_, err := f.svc.Authorize(ctx, o.staffID, auth.ModulePlacements, auth.ActionWrite, auth.Target{})
	require.ErrorIs(t, err, auth.ErrInsufficientPermission)

	role := auth.RoleCollegeAdmin
	empty := ""
	_, err = f.svc.UpdateAccount(ctx, o.staffID, auth.AccountPatch{Role: &role, DepartmentID: &empty})
	require.NoError(t, err)

	d, err := f.svc.Authorize(ctx, o.staffID, auth.ModulePlacements, auth.ActionWrite, auth.Target{})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	res := f.login(t, "staff@x.edu", "Staffpass1")
	ident, err := f.svc.Authenticate(ctx, res.Token)
	require.NoError(t, err)
	assert.Equal(t, auth.RoleCollegeAdmin, ident.Role)
}

func TestUpdateAccountValidatesShape(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.org(t)

	role := auth.RoleDepartmentHead
	empty := ""
	_, err := f.svc.UpdateAccount(ctx, o.staffID, auth.AccountPatch{Role: &role, DepartmentID: &empty})
	assert.ErrorIs(t, err, auth.ErrInvalidInput)

	_, err = f.svc.UpdateAccount(ctx, o.staffID, auth.AccountPatch{})
	assert.ErrorIs(t, err, auth.ErrInvalidInput)

	_, err = f.svc.UpdateAccount(ctx, "missing", auth.AccountPatch{Role: &role})
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestUpdateAccountAsChecksActor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.org(t)

	promote := auth.RoleCollegeAdmin
	_, err := f.svc.UpdateAccountAs(ctx, o.headID, o.staffID, auth.AccountPatch{Role: &promote})
	assert.ErrorIs(t, err, auth.ErrInsufficientPermission)

	_, err = f.svc.UpdateAccountAs(ctx, o.staffID, o.headID, auth.AccountPatch{Role: &promote})
	assert.ErrorIs(t, err, auth.ErrInsufficientPermission)

	acct, err := f.svc.UpdateAccountAs(ctx, o.principalID, o.staffID, auth.AccountPatch{Role: &promote})
	require.NoError(t, err)
	assert.Equal(t, auth.RoleCollegeAdmin, acct.Role)
}

func TestDeactivateRevokesTokensAndBlocksLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.org(t)

	res := f.login(t, "staff@x.edu", "Staffpass1")
	_, err := f.svc.Authenticate(ctx, res.Token)
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	_, err = f.svc.DeactivateAccount(ctx, o.headID, o.staffID)
	require.NoError(t, err)

	_, err = f.svc.Authenticate(ctx, res.Token)
	assert.ErrorIs(t, err, auth.ErrTokenRevoked)

	_, err = f.svc.Login(ctx, "staff@x.edu", "Staffpass1")
	assert.ErrorIs(t, err, auth.ErrAccountDeactivated)
	_, err = f.svc.Login(ctx, "staff@x.edu", "Wrongpass1")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestStaffCannotManageHead(t *testing.T) {
	f := newFixture(t)
	o := f.org(t)
	_, err := f.svc.DeactivateAccount(context.Background(), o.staffID, o.headID)
	assert.ErrorIs(t, err, auth.ErrInsufficientPermission)
}

func TestCrossCollegeIsOutOfScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.org(t)
	otherPrincipal := f.signup(t, "other@y.edu", "P@ssw0rd1")

	_, err := f.svc.DeactivateAccount(ctx, otherPrincipal, o.staffID)
	assert.ErrorIs(t, err, auth.ErrOutOfScope)

	me, err := f.svc.Account(ctx, o.principalID)
	require.NoError(t, err)
	_, err = f.svc.Authorize(ctx, otherPrincipal, auth.ModuleStudents, auth.ActionRead, auth.Target{CollegeID: me.CollegeID})
	assert.ErrorIs(t, err, auth.ErrOutOfScope)
}

func TestGrantManagement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.org(t)

	_, err := f.svc.GrantModule(ctx, o.headID, auth.Grant{
		AccountID: o.staffID, Module: auth.ModuleTimetables, Scope: auth.ScopeAll, CanRead: true,
	})
	assert.ErrorIs(t, err, auth.ErrInsufficientPermission)

	g, err := f.svc.GrantModule(ctx, o.headID, auth.Grant{
		AccountID: o.staffID, Module: auth.ModuleTimetables, Scope: auth.ScopeOwn, CanRead: true, CanWrite: true,
	})
	require.NoError(t, err)
	assert.Equal(t, o.headID, g.GrantedBy)

	_, err = f.svc.Authorize(ctx, o.staffID, auth.ModuleTimetables, auth.ActionWrite, auth.Target{CreatedBy: o.staffID})
	require.NoError(t, err)

	scope, err := f.svc.ResolveScope(ctx, o.staffID, auth.ModuleTimetables)
	require.NoError(t, err)
	assert.Equal(t, auth.ResolvedScope{Kind: auth.ScopeOwn, OwnerID: o.staffID}, scope)

	list, err := f.svc.Grants(ctx, o.staffID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, f.svc.RevokeGrant(ctx, o.headID, o.staffID, auth.ModuleTimetables))
	assert.ErrorIs(t, f.svc.RevokeGrant(ctx, o.headID, o.staffID, auth.ModuleTimetables), auth.ErrNotFound)

	_, err = f.svc.Authorize(ctx, o.staffID, auth.ModuleTimetables, auth.ActionRead, auth.Target{CreatedBy: o.staffID})
	assert.ErrorIs(t, err, auth.ErrInsufficientPermission)
}

func TestDepartmentManagement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.org(t)

	_, err := f.svc.CreateDepartment(ctx, o.principalID, "Computing", "CS", auth.DepartmentAcademic)
	assert.ErrorIs(t, err, auth.ErrConflict)
	_, err = f.svc.CreateDepartment(ctx, o.headID, "Library", "LIB", auth.DepartmentAdministrative)
	assert.ErrorIs(t, err, auth.ErrInsufficientPermission)

	// Moving the head to another department follows the head link.
	dept, err := f.svc.AssignDepartmentHead(ctx, o.principalID, o.otherDeptID, o.headID)
	require.NoError(t, err)
	assert.Equal(t, o.headID, dept.HeadID)
	head, err := f.svc.Account(ctx, o.headID)
	require.NoError(t, err)
	assert.Equal(t, o.otherDeptID, head.DepartmentID)

	_, err = f.svc.AssignDepartmentHead(ctx, o.principalID, o.deptID, o.staffID)
	assert.ErrorIs(t, err, auth.ErrInvalidInput)
}

func TestDemotingHeadClearsDepartmentHead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.org(t)

	staff := auth.RoleStaff
	acct, err := f.svc.UpdateAccountAs(ctx, o.principalID, o.headID, auth.AccountPatch{Role: &staff})
	require.NoError(t, err)
	assert.Equal(t, auth.RoleStaff, acct.Role)

	dept, err := f.store.Departments().Find(ctx, o.deptID)
	require.NoError(t, err)
	assert.Empty(t, dept.HeadID)
}

func TestMovingHeadClearsPreviousDepartment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.org(t)

	acct, err := f.svc.UpdateAccountAs(ctx, o.principalID, o.headID, auth.AccountPatch{DepartmentID: &o.otherDeptID})
	require.NoError(t, err)
	assert.Equal(t, o.otherDeptID, acct.DepartmentID)

	old, err := f.store.Departments().Find(ctx, o.deptID)
	require.NoError(t, err)
	assert.Empty(t, old.HeadID)
	moved, err := f.store.Departments().Find(ctx, o.otherDeptID)
	require.NoError(t, err)
	assert.Empty(t, moved.HeadID, "moving does not make the account head of the new department")

	active := false
	_, err = f.svc.UpdateAccount(ctx, o.staffID, auth.AccountPatch{Active: &active})
	require.NoError(t, err)
	old, err = f.store.Departments().Find(ctx, o.deptID)
	require.NoError(t, err)
	assert.Empty(t, old.HeadID, "non-head updates leave departments alone")
}

// headlessStore fails every SetHead that names a head, inside or outside a transaction.
type headlessStore struct{ auth.Store }

func (s headlessStore) Departments() auth.DepartmentStore {
	return headlessDepartments{s.Store.Departments()}
}

func (s headlessStore) Tx(ctx context.Context, fn func(auth.Store) error) error {
	return s.Store.Tx(ctx, func(tx auth.Store) error { return fn(headlessStore{tx}) })
}

type headlessDepartments struct{ auth.DepartmentStore }

func (d headlessDepartments) SetHead(ctx context.Context, id, headID string, now time.Time) error {
	if headID != "" {
		return errors.New("connection reset")
	}
	return d.DepartmentStore.SetHead(ctx, id, headID, now)
}

func TestAssignDepartmentHeadIsAtomic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.org(t)

	broken, err := auth.NewService(headlessStore{f.store}, f.kv, secret,
		auth.WithClock(f.clock.Now), auth.WithPasswordCost(bcrypt.MinCost))
	require.NoError(t, err)

	_, err = broken.AssignDepartmentHead(ctx, o.principalID, o.otherDeptID, o.headID)
	assert.ErrorIs(t, err, auth.ErrDependencyUnavailable)

	head, err := f.store.Accounts().Find(ctx, o.headID)
	require.NoError(t, err)
	assert.Equal(t, o.deptID, head.DepartmentID, "department move rolled back")
	dept, err := f.store.Departments().Find(ctx, o.deptID)
	require.NoError(t, err)
	assert.Equal(t, o.headID, dept.HeadID, "previous head link rolled back")

	cached, err := f.svc.Account(ctx, o.headID)
	require.NoError(t, err)
	assert.Equal(t, o.deptID, cached.DepartmentID)
}

// failingDeletes wraps a cache whose Delete always fails.
type failingDeletes struct{ cache.Store }

func (failingDeletes) Delete(context.Context, string) error { return errors.New("cache down") }

func TestUpdateFailsWhenInvalidationFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.signup(t, "z@x.edu", "P@ssw0rd1")

	broken, err := auth.NewService(f.store, failingDeletes{f.kv}, secret,
		auth.WithClock(f.clock.Now), auth.WithPasswordCost(bcrypt.MinCost))
	require.NoError(t, err)

	active := false
	_, err = broken.UpdateAccount(ctx, id, auth.AccountPatch{Active: &active})
	assert.ErrorIs(t, err, auth.ErrDependencyUnavailable)

	acct, err := f.store.Accounts().Find(ctx, id)
	require.NoError(t, err)
	assert.True(t, acct.Active, "store write must not happen when invalidation fails")
}

func TestSignupCompleteDatabaseOutageIsUnavailable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	svc, err := auth.NewService(pg.New(db), cache.NewMemoryStore(time.Hour), secret,
		auth.WithPasswordCost(bcrypt.MinCost),
	)
	require.NoError(t, err)

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))
	_, err = svc.SignupCompleteWithOTP(context.Background(), "a@x.edu", "123456", "P@ssw0rd1")
	assert.ErrorIs(t, err, auth.ErrDependencyUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"collegium.org/internal/cache"
	"collegium.org/internal/ids"
	"collegium.org/internal/obs"
)

const (
	defaultOpTimeout = 2 * time.Second
	dummyPassword    = "collegium-timing-equalizer-1"
)

// AuditFunc records a security-relevant event.
type AuditFunc func(ctx context.Context, event string, fields map[string]any) error

// Service is the identity core: signup, login, token lifecycle, account
// administration and authorization decisions.
type Service struct {
	store Store
	kv    cache.Store

	tokens      *TokenService
	revocations *RevocationCache
	profiles    *ProfileCache
	otp         *OTPIssuer
	engine      *Engine

	sender     Sender
	audit      AuditFunc
	log        logrus.FieldLogger
	now        func() time.Time
	issuer     string
	tokenTTL   time.Duration
	otpTTL     time.Duration
	otpLength  int
	otpPerMin  int
	profileTTL time.Duration
	opTimeout  time.Duration
	hashCost   int
	dummyHash  string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithLogger overrides the logger; defaults to obs.Logger().
func WithLogger(log logrus.FieldLogger) ServiceOption {
	return func(s *Service) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

// WithIssuer sets the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithTokenLifetime configures bearer token lifetime.
func WithTokenLifetime(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.tokenTTL = ttl
		}
		return nil
	}
}

// WithOTP configures code lifetime, length and per-email attempts per minute.
func WithOTP(ttl time.Duration, length, perMinute int) ServiceOption {
	return func(s *Service) error {
		if length != 0 && (length < 4 || length > 10) {
			return fmt.Errorf("%w: otp length %d", ErrInvalidInput, length)
		}
		s.otpTTL = ttl
		s.otpLength = length
		s.otpPerMin = perMinute
		return nil
	}
}

// WithProfileTTL bounds how long a cached profile may live without invalidation.
func WithProfileTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.profileTTL = ttl
		}
		return nil
	}
}

// WithOpTimeout bounds every store and cache call.
func WithOpTimeout(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d > 0 {
			s.opTimeout = d
		}
		return nil
	}
}

// WithSender sets the OTP delivery collaborator.
func WithSender(sender Sender) ServiceOption {
	return func(s *Service) error {
		s.sender = sender
		return nil
	}
}

// WithAuditor sets the audit sink.
func WithAuditor(fn AuditFunc) ServiceOption {
	return func(s *Service) error {
		s.audit = fn
		return nil
	}
}

// WithPasswordCost overrides the bcrypt cost.
func WithPasswordCost(cost int) ServiceOption {
	return func(s *Service) error {
		if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
			return fmt.Errorf("%w: bcrypt cost %d", ErrInvalidInput, cost)
		}
		s.hashCost = cost
		return nil
	}
}

// NewService wires the core components over store and the shared cache kv.
func NewService(store Store, kv cache.Store, secret []byte, opts ...ServiceOption) (*Service, error) {
	if store == nil || kv == nil {
		return nil, errors.New("auth: store and cache are required")
	}
	s := &Service{
		store:      store,
		kv:         kv,
		log:        obs.Logger(),
		now:        time.Now,
		tokenTTL:   defaultTokenTTL,
		profileTTL: defaultProfileTTL,
		opTimeout:  defaultOpTimeout,
		hashCost:   bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	s.revocations = NewRevocationCache(kv, s.opTimeout, s.log)
	tokens, err := NewTokenService(secret, s.revocations,
		WithTokenIssuer(s.issuer),
		WithTokenTTL(s.tokenTTL),
		WithTokenClock(s.now),
	)
	if err != nil {
		return nil, err
	}
	s.tokens = tokens
	s.profiles = NewProfileCache(kv, store.Accounts(), s.profileTTL, s.opTimeout, s.log)
	s.otp = NewOTPIssuer(store.Challenges(), store.Accounts(), s.sender, s.otpTTL, s.otpLength, s.otpPerMin, s.now, s.log)
	if counter, ok := kv.(cache.Counter); ok {
		s.otp.WithAttemptCounter(counter)
	}
	s.engine = NewEngine(s.log)

	dummy, err := hashPasswordCost(dummyPassword, s.hashCost)
	if err != nil {
		return nil, err
	}
	s.dummyHash = dummy
	return s, nil
}

// Tokens exposes the token service.
func (s *Service) Tokens() *TokenService { return s.tokens }

// Engine exposes the authorization engine.
func (s *Service) Engine() *Engine { return s.engine }

// SignupRequestOTP issues a signup code for email.
func (s *Service) SignupRequestOTP(ctx context.Context, email string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	if err := s.otp.Issue(ctx, email); err != nil {
		return err
	}
	s.record(ctx, "signup.otp_issued", map[string]any{"email": strings.ToLower(strings.TrimSpace(email))})
	return nil
}

// VerifyOTP checks a signup code without consuming it.
func (s *Service) VerifyOTP(ctx context.Context, email, code string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.otp.Verify(ctx, email, code)
}

// SignupCompleteWithOTP consumes the code and creates the principal account of
// a new college. Consumption and creation commit together.
func (s *Service) SignupCompleteWithOTP(ctx context.Context, email, code, password string) (string, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return "", err
	}
	if err := ValidatePassword(password); err != nil {
		return "", err
	}
	hash, err := hashPasswordCost(password, s.hashCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	now := s.now().UTC()
	acct := &Account{
		ID:           ids.New(),
		CollegeID:    ids.New(),
		Email:        email,
		PasswordHash: hash,
		Role:         RolePrincipal,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.store.Tx(ctx, func(tx Store) error {
		if err := s.otp.consumeWith(ctx, tx.Challenges(), email, code); err != nil {
			return err
		}
		switch _, err := tx.Accounts().FindByEmail(ctx, email); {
		case err == nil:
			return ErrAlreadyRegistered
		case !errors.Is(err, ErrNotFound):
			return unavailable("lookup account", err)
		}
		if err := tx.Accounts().Create(ctx, acct); err != nil {
			if errors.Is(err, ErrConflict) {
				return ErrAlreadyRegistered
			}
			return unavailable("create account", err)
		}
		return nil
	})
	if err != nil {
		return "", unavailable("signup tx", err)
	}
	s.record(ctx, "signup.completed", map[string]any{"account_id": acct.ID, "college_id": acct.CollegeID})
	return acct.ID, nil
}

// LoginResult is returned by Login.
type LoginResult struct {
	Token     string    `json:"token"`
	AccountID string    `json:"account_id"`
	Role      Role      `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login checks credentials and mints a token. Unknown email and wrong
// password are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (LoginResult, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	email, err := NormalizeEmail(email)
	if err != nil {
		_ = VerifyPassword(s.dummyHash, password)
		return LoginResult{}, ErrInvalidCredentials
	}
	acct, err := s.store.Accounts().FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			_ = VerifyPassword(s.dummyHash, password)
			s.log.WithField("reason", "unknown_email").Debug("login rejected")
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, unavailable("lookup account", err)
	}
	if err := VerifyPassword(acct.PasswordHash, password); err != nil {
		s.log.WithFields(logrus.Fields{"account_id": acct.ID, "reason": "bad_password"}).Debug("login rejected")
		return LoginResult{}, ErrInvalidCredentials
	}
	if !acct.Active {
		return LoginResult{}, ErrAccountDeactivated
	}

	now := s.now().UTC()
	if _, err := s.profiles.Update(ctx, acct.ID, AccountPatch{LastLoginAt: &now}, now); err != nil {
		s.log.WithError(err).WithField("account_id", acct.ID).Warn("record last login")
	}
	tok, err := s.tokens.Mint(acct.ID, SessionClaims{
		Role:         acct.Role,
		DepartmentID: acct.DepartmentID,
		CollegeID:    acct.CollegeID,
	})
	if err != nil {
		return LoginResult{}, err
	}
	s.record(ctx, "auth.login", map[string]any{"account_id": acct.ID, "token_id": tok.ID})
	return LoginResult{Token: tok.Value, AccountID: acct.ID, Role: acct.Role, ExpiresAt: tok.ExpiresAt}, nil
}

// Authenticate verifies the token, consults revocation state and returns the
// caller's current identity from the profile cache.
func (s *Service) Authenticate(ctx context.Context, raw string) (Identity, error) {
	claims, err := s.tokens.Verify(raw)
	if err != nil {
		s.log.WithError(err).Debug("token rejected")
		return Identity{}, err
	}
	if err := s.revocations.Check(ctx, claims); err != nil {
		return Identity{}, err
	}
	acct, err := s.profiles.Get(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Identity{}, ErrInvalidToken
		}
		return Identity{}, err
	}
	if !acct.Active {
		return Identity{}, ErrTokenRevoked
	}
	return Identity{
		AccountID:    acct.ID,
		Role:         acct.Role,
		DepartmentID: acct.DepartmentID,
		CollegeID:    acct.CollegeID,
		TokenID:      claims.ID,
		ExpiresAt:    claims.ExpiresAt.Time,
	}, nil
}

// Logout revokes the token until its natural expiry.
func (s *Service) Logout(ctx context.Context, raw string) error {
	if err := s.tokens.Revoke(ctx, raw); err != nil {
		return err
	}
	if sub, ok := s.subject(raw); ok {
		s.record(ctx, "auth.logout", map[string]any{"account_id": sub})
	}
	return nil
}

func (s *Service) subject(raw string) (string, bool) {
	claims, err := s.tokens.parse(raw)
	if err != nil {
		return "", false
	}
	return claims.Subject, true
}

// Authorize decides whether accountID may perform action on target in module.
// A denial returns the decision together with its cause.
func (s *Service) Authorize(ctx context.Context, accountID string, module Module, action Action, target Target) (Decision, error) {
	acct, err := s.profiles.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			d := deny(ErrInsufficientPermission, "unknown_account")
			return d, d.Err
		}
		return deny(err, "dependency"), err
	}
	grant, err := s.grant(ctx, accountID, module)
	if err != nil {
		return deny(err, "dependency"), err
	}
	d := s.engine.Decide(*acct, grant, module, action, target)
	if !d.Allowed {
		return d, d.Err
	}
	return d, nil
}

// ResolveScope returns the record scope of accountID for module, as used by
// Authorize.
func (s *Service) ResolveScope(ctx context.Context, accountID string, module Module) (ResolvedScope, error) {
	acct, err := s.profiles.Get(ctx, accountID)
	if err != nil {
		return ResolvedScope{}, err
	}
	grant, err := s.grant(ctx, accountID, module)
	if err != nil {
		return ResolvedScope{}, err
	}
	return s.engine.Resolve(*acct, grant, module), nil
}

func (s *Service) grant(ctx context.Context, accountID string, module Module) (*Grant, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	g, err := s.store.Grants().Find(ctx, accountID, module)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, unavailable("load grant", err)
	}
	return g, nil
}

// Account returns the current profile of accountID.
func (s *Service) Account(ctx context.Context, accountID string) (*Account, error) {
	return s.profiles.Get(ctx, accountID)
}

// Grants lists the module grants of accountID.
func (s *Service) Grants(ctx context.Context, accountID string) ([]Grant, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	list, err := s.store.Grants().List(ctx, accountID)
	if err != nil {
		return nil, unavailable("list grants", err)
	}
	return list, nil
}

// UpdateAccount applies patch and invalidates the cached profile before
// returning. A head that leaves the head role or its department stops heading
// that department in the same transaction. Deactivation also revokes every
// outstanding token of the account.
func (s *Service) UpdateAccount(ctx context.Context, accountID string, patch AccountPatch) (*Account, error) {
	if patch.Empty() {
		return nil, fmt.Errorf("%w: empty patch", ErrInvalidInput)
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.profiles.Invalidate(ctx, accountID); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	var current, updated *Account
	var clearedDept string
	err := s.store.Tx(ctx, func(tx Store) error {
		var err error
		current, err = tx.Accounts().Find(ctx, accountID)
		if err != nil {
			return err
		}
		if err := s.validateAccountShape(ctx, tx.Departments(), patch.Apply(*current, now)); err != nil {
			return err
		}
		updated, err = tx.Accounts().Update(ctx, accountID, patch, now)
		if err != nil {
			return err
		}
		clearedDept, err = releaseHead(ctx, tx.Departments(), *current, *updated, now)
		return err
	})
	if err != nil {
		return nil, unavailable("update account", err)
	}
	if err := s.profiles.Invalidate(ctx, accountID); err != nil {
		s.log.WithError(err).WithField("account_id", accountID).Error("profile invalidation failed after update")
		return nil, err
	}
	if current.Active && !updated.Active {
		if err := s.revocations.RevokeAccount(ctx, accountID, now, s.tokenTTL); err != nil {
			return nil, err
		}
		obs.ObserveToken("account_revoked")
	}
	if clearedDept != "" {
		s.record(ctx, "department.head_cleared", map[string]any{"department_id": clearedDept, "head_id": accountID})
	}
	s.record(ctx, "account.updated", map[string]any{"account_id": accountID, "fields": patchFields(patch)})
	return updated, nil
}

// releaseHead clears the head of before's department when before headed it
// and after is no longer a head of that department. It returns the cleared
// department id.
func releaseHead(ctx context.Context, depts DepartmentStore, before, after Account, now time.Time) (string, error) {
	if before.Role != RoleDepartmentHead || before.DepartmentID == "" {
		return "", nil
	}
	if after.Role == RoleDepartmentHead && after.DepartmentID == before.DepartmentID {
		return "", nil
	}
	dept, err := depts.Find(ctx, before.DepartmentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	if dept.HeadID != before.ID {
		return "", nil
	}
	if err := depts.SetHead(ctx, dept.ID, "", now); err != nil {
		return "", err
	}
	return dept.ID, nil
}

// UpdateAccountAs applies patch on behalf of actorID after checking that the
// actor manages the account and may assign any new role.
func (s *Service) UpdateAccountAs(ctx context.Context, actorID, accountID string, patch AccountPatch) (*Account, error) {
	actor, target, err := s.actorAndTarget(ctx, actorID, accountID)
	if err != nil {
		return nil, err
	}
	if err := checkManage(actor, target); err != nil {
		return nil, err
	}
	next := patch.Apply(target, s.now())
	if patch.Role != nil || patch.DepartmentID != nil {
		if err := CheckCreate(actor, next.Role, next.DepartmentID); err != nil {
			return nil, err
		}
	}
	return s.UpdateAccount(ctx, accountID, patch)
}

// NewAccount describes an account created by an administrator.
type NewAccount struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	Role         Role   `json:"role"`
	DepartmentID string `json:"department_id,omitempty"`
}

// CreateAccount creates an account in the actor's college, subject to the
// role creation rule.
func (s *Service) CreateAccount(ctx context.Context, actorID string, in NewAccount) (*Account, error) {
	email, err := NormalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if err := ValidatePassword(in.Password); err != nil {
		return nil, err
	}
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if err := CheckCreate(actor, in.Role, in.DepartmentID); err != nil {
		return nil, err
	}
	hash, err := hashPasswordCost(in.Password, s.hashCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()
	now := s.now().UTC()
	acct := &Account{
		ID:           ids.New(),
		CollegeID:    actor.CollegeID,
		Email:        email,
		PasswordHash: hash,
		Role:         in.Role,
		DepartmentID: strings.TrimSpace(in.DepartmentID),
		Active:       true,
		CreatedBy:    actor.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.validateAccountShape(ctx, s.store.Departments(), *acct); err != nil {
		return nil, err
	}
	if err := s.store.Accounts().Create(ctx, acct); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, ErrAlreadyRegistered
		}
		return nil, unavailable("create account", err)
	}
	s.record(ctx, "account.created", map[string]any{"account_id": acct.ID, "role": acct.Role, "by": actor.ID})
	return acct, nil
}

// DeactivateAccount disables accountID and revokes its tokens.
func (s *Service) DeactivateAccount(ctx context.Context, actorID, accountID string) (*Account, error) {
	actor, target, err := s.actorAndTarget(ctx, actorID, accountID)
	if err != nil {
		return nil, err
	}
	if err := checkManage(actor, target); err != nil {
		return nil, err
	}
	inactive := false
	return s.UpdateAccount(ctx, accountID, AccountPatch{Active: &inactive})
}

// CreateDepartment adds a department to the actor's college.
func (s *Service) CreateDepartment(ctx context.Context, actorID, name, code string, kind DepartmentType) (*Department, error) {
	name = strings.TrimSpace(name)
	code = strings.ToUpper(strings.TrimSpace(code))
	if name == "" || code == "" {
		return nil, fmt.Errorf("%w: name and code are required", ErrInvalidInput)
	}
	if kind != DepartmentAcademic && kind != DepartmentAdministrative {
		return nil, fmt.Errorf("%w: department type %q", ErrInvalidInput, kind)
	}
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.Role.IsTop() {
		return nil, ErrInsufficientPermission
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()
	now := s.now().UTC()
	dept := &Department{
		ID:        ids.New(),
		CollegeID: actor.CollegeID,
		Name:      name,
		Code:      code,
		Type:      kind,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Departments().Create(ctx, dept); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, err
		}
		return nil, unavailable("create department", err)
	}
	s.record(ctx, "department.created", map[string]any{"department_id": dept.ID, "code": code})
	return dept, nil
}

// AssignDepartmentHead makes accountID the head of departmentID, replacing
// any previous head. The head's department link follows.
func (s *Service) AssignDepartmentHead(ctx context.Context, actorID, departmentID, accountID string) (*Department, error) {
	actor, target, err := s.actorAndTarget(ctx, actorID, accountID)
	if err != nil {
		return nil, err
	}
	if !actor.Role.IsTop() {
		return nil, ErrInsufficientPermission
	}
	if target.Role != RoleDepartmentHead || !target.Active {
		return nil, fmt.Errorf("%w: head must be an active department_head", ErrInvalidInput)
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()
	now := s.now().UTC()
	var (
		dept     *Department
		previous string
		moved    bool
	)
	err = s.store.Tx(ctx, func(tx Store) error {
		var err error
		dept, err = tx.Departments().Find(ctx, departmentID)
		if err != nil {
			return err
		}
		if dept.CollegeID != actor.CollegeID {
			return ErrOutOfScope
		}
		head, err := tx.Accounts().Find(ctx, target.ID)
		if err != nil {
			return err
		}
		if head.Role != RoleDepartmentHead || !head.Active {
			return fmt.Errorf("%w: head must be an active department_head", ErrInvalidInput)
		}
		if head.DepartmentID != dept.ID {
			if _, err := tx.Accounts().Update(ctx, head.ID, AccountPatch{DepartmentID: &dept.ID}, now); err != nil {
				return err
			}
			moved = true
			if _, err := releaseHead(ctx, tx.Departments(), *head, Account{ID: head.ID, Role: head.Role, DepartmentID: dept.ID}, now); err != nil {
				return err
			}
		}
		if err := tx.Departments().SetHead(ctx, dept.ID, head.ID, now); err != nil {
			return err
		}
		previous = dept.HeadID
		dept.HeadID = head.ID
		dept.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, unavailable("assign department head", err)
	}
	if moved {
		if err := s.profiles.Invalidate(ctx, target.ID); err != nil {
			return nil, err
		}
		s.record(ctx, "account.updated", map[string]any{"account_id": target.ID, "fields": []string{"department_id"}})
	}
	s.record(ctx, "department.head_assigned", map[string]any{"department_id": dept.ID, "head_id": target.ID, "previous": previous})
	return dept, nil
}

// GrantModule creates or replaces the grant for (g.AccountID, g.Module).
func (s *Service) GrantModule(ctx context.Context, actorID string, g Grant) (*Grant, error) {
	actor, target, err := s.actorAndTarget(ctx, actorID, g.AccountID)
	if err != nil {
		return nil, err
	}
	if err := CheckGrant(actor, target, g); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	now := s.now().UTC()
	g.GrantedBy = actor.ID
	g.CreatedAt = now
	g.UpdatedAt = now
	if err := s.store.Grants().Upsert(ctx, &g); err != nil {
		return nil, unavailable("store grant", err)
	}
	s.record(ctx, "grant.upserted", map[string]any{
		"account_id": g.AccountID, "module": g.Module, "scope": g.Scope,
		"read": g.CanRead, "write": g.CanWrite,
	})
	return &g, nil
}

// RevokeGrant deletes the grant for (accountID, module).
func (s *Service) RevokeGrant(ctx context.Context, actorID, accountID string, module Module) error {
	if !module.Valid() {
		return fmt.Errorf("%w: module %q", ErrInvalidInput, module)
	}
	actor, target, err := s.actorAndTarget(ctx, actorID, accountID)
	if err != nil {
		return err
	}
	if err := CheckGrant(actor, target, Grant{AccountID: accountID, Module: module, Scope: ScopeOwn}); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	if err := s.store.Grants().Delete(ctx, accountID, module); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return unavailable("delete grant", err)
	}
	s.record(ctx, "grant.revoked", map[string]any{"account_id": accountID, "module": module})
	return nil
}

func (s *Service) actor(ctx context.Context, actorID string) (Account, error) {
	acct, err := s.profiles.Get(ctx, actorID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Account{}, ErrInsufficientPermission
		}
		return Account{}, err
	}
	if !acct.Active {
		return Account{}, ErrAccountDeactivated
	}
	return *acct, nil
}

func (s *Service) actorAndTarget(ctx context.Context, actorID, targetID string) (Account, Account, error) {
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return Account{}, Account{}, err
	}
	target, err := s.profiles.Get(ctx, targetID)
	if err != nil {
		return Account{}, Account{}, err
	}
	if target.CollegeID != actor.CollegeID {
		return Account{}, Account{}, ErrOutOfScope
	}
	return actor, *target, nil
}

// checkManage reports whether actor may modify target's account.
func checkManage(actor, target Account) error {
	if actor.CollegeID != target.CollegeID {
		return ErrOutOfScope
	}
	if !actor.Role.Outranks(target.Role) {
		return ErrInsufficientPermission
	}
	if actor.Role == RoleDepartmentHead {
		if actor.DepartmentID == "" || target.DepartmentID != actor.DepartmentID {
			return ErrOutOfScope
		}
	}
	return nil
}

// validateAccountShape checks role and department consistency of acct.
func (s *Service) validateAccountShape(ctx context.Context, depts DepartmentStore, acct Account) error {
	if !acct.Role.Valid() {
		return fmt.Errorf("%w: role %q", ErrInvalidInput, acct.Role)
	}
	if acct.Role == RoleDepartmentHead && acct.DepartmentID == "" {
		return fmt.Errorf("%w: department_head requires a department", ErrInvalidInput)
	}
	if acct.DepartmentID == "" {
		return nil
	}
	dept, err := depts.Find(ctx, acct.DepartmentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: unknown department", ErrInvalidInput)
		}
		return unavailable("load department", err)
	}
	if dept.CollegeID != acct.CollegeID {
		return fmt.Errorf("%w: department belongs to another college", ErrInvalidInput)
	}
	return nil
}

func (s *Service) record(ctx context.Context, event string, fields map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit(ctx, event, fields); err != nil {
		s.log.WithError(err).WithField("event", event).Warn("audit write failed")
	}
}

func (s *Service) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func patchFields(p AccountPatch) []string {
	var out []string
	if p.Role != nil {
		out = append(out, "role")
	}
	if p.DepartmentID != nil {
		out = append(out, "department_id")
	}
	if p.Active != nil {
		out = append(out, "active")
	}
	if p.PasswordHash != nil {
		out = append(out, "password")
	}
	if p.LastLoginAt != nil {
		out = append(out, "last_login_at")
	}
	return out
}

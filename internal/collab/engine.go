// Package collab implements the collaborative versioning and conflict
// resolution engine: session lifecycle, a change journal with background
// conflict detection, five resolution strategies, and version folding with
// branch/merge support. The engine is in-memory; durable storage and transport
// are concerns of the enclosing service.
package collab

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/arx-os/bim-collab/internal/errs"
	"github.com/arx-os/bim-collab/internal/model"
)

// Config tunes engine behavior. Zero values select defaults.
type Config struct {
	// QueueSize bounds the shared change queue (default 1024). MakeChange
	// never blocks: on overflow the item is dropped and logged.
	QueueSize int
	// VersionCadence is the applied-change count that triggers an automatic
	// version fold (default 10).
	VersionCadence int
	// EventBuffer bounds the event stream (default 256).
	EventBuffer int
}

const (
	defaultQueueSize      = 1024
	defaultVersionCadence = 10
	defaultEventBuffer    = 256
)

type queueItem struct {
	sessionID uuid.UUID
	change    *model.Change
}

// Engine coordinates sessions, the change journal, conflict resolution and
// versioning. All session state is guarded by the injected store's single
// lock; one background worker serializes conflict and version decisions
// across every session.
type Engine struct {
	store   *SessionStore
	log     *zap.Logger
	cadence int

	queue  chan queueItem
	events chan Event
	quit   chan struct{}
	done   chan struct{}

	started   atomic.Bool
	closeOnce sync.Once

	now func() time.Time
}

// New constructs an engine around the given store. The background worker is
// not running until Start is called.
func New(store *SessionStore, log *zap.Logger, cfg Config) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.VersionCadence <= 0 {
		cfg.VersionCadence = defaultVersionCadence
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	return &Engine{
		store:   store,
		log:     log,
		cadence: cfg.VersionCadence,
		queue:   make(chan queueItem, cfg.QueueSize),
		events:  make(chan Event, cfg.EventBuffer),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// Start launches the background change processor. Calling it again is a no-op.
func (e *Engine) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	go e.run()
}

// Close stops the worker after draining already-queued changes and closes the
// event stream.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.quit)
		if e.started.Load() {
			<-e.done
		}
		close(e.events)
	})
}

// Events returns the engine's event stream.
func (e *Engine) Events() <-chan Event { return e.events }

// --- Session Manager ---

// CreateSession allocates a new session and registers the owner with full
// permissions. It always succeeds.
func (e *Engine) CreateSession(modelID, ownerID, ownerUsername, ownerEmail string) uuid.UUID {
	now := e.now()
	owner := &model.User{
		UserID:      ownerID,
		Username:    ownerUsername,
		Email:       ownerEmail,
		Role:        model.RoleOwner,
		Permissions: PermissionsForRole(model.RoleOwner),
		LastActive:  now,
	}
	sess := &model.Session{
		SessionID:     uuid.Must(uuid.NewV4()),
		ModelID:       modelID,
		Users:         map[string]*model.User{ownerID: owner},
		Permissions:   map[string]model.PermissionSet{ownerID: owner.Permissions.Clone()},
		ActiveChanges: make(map[uuid.UUID]*model.Change),
		CreatedAt:     now,
		LastActivity:  now,
	}

	e.store.Lock()
	e.store.Put(sess)
	e.store.Unlock()

	e.log.Info("session created",
		zap.Stringer("session_id", sess.SessionID),
		zap.String("model_id", modelID),
		zap.String("owner_id", ownerID),
	)
	return sess.SessionID
}

// JoinSession registers a user in the session with the permission set derived
// from the role. Re-joining overwrites the previous entry and role.
func (e *Engine) JoinSession(sessionID uuid.UUID, userID, username, email string, role model.Role) error {
	if !role.Valid() {
		return fmt.Errorf("unknown role %q: %w", role, errs.ErrValidation)
	}

	e.store.Lock()
	defer e.store.Unlock()

	sess, ok := e.store.Get(sessionID)
	if !ok {
		return fmt.Errorf("join session %s: %w", sessionID, errs.ErrSessionNotFound)
	}

	now := e.now()
	user := &model.User{
		UserID:      userID,
		Username:    username,
		Email:       email,
		Role:        role,
		Permissions: PermissionsForRole(role),
		LastActive:  now,
	}
	sess.Users[userID] = user
	sess.Permissions[userID] = user.Permissions.Clone()
	sess.LastActivity = now

	e.emit(sess, Event{Type: EventUserJoined, Time: now, UserID: userID})
	e.log.Info("user joined session",
		zap.Stringer("session_id", sessionID),
		zap.String("user_id", userID),
		zap.String("role", string(role)),
	)
	return nil
}

// LeaveSession removes a user and their permission entry from the session.
func (e *Engine) LeaveSession(sessionID uuid.UUID, userID string) error {
	e.store.Lock()
	defer e.store.Unlock()

	sess, ok := e.store.Get(sessionID)
	if !ok {
		return fmt.Errorf("leave session %s: %w", sessionID, errs.ErrSessionNotFound)
	}
	if _, ok := sess.Users[userID]; !ok {
		return fmt.Errorf("leave session %s: user %s: %w", sessionID, userID, errs.ErrUserNotInSession)
	}

	delete(sess.Users, userID)
	delete(sess.Permissions, userID)
	now := e.now()
	sess.LastActivity = now

	e.emit(sess, Event{Type: EventUserLeft, Time: now, UserID: userID})
	e.log.Info("user left session",
		zap.Stringer("session_id", sessionID),
		zap.String("user_id", userID),
	)
	return nil
}

// GetSessionStatus returns a read-only snapshot of session counters and users.
func (e *Engine) GetSessionStatus(sessionID uuid.UUID) (model.SessionStatus, error) {
	e.store.Lock()
	defer e.store.Unlock()

	sess, ok := e.store.Get(sessionID)
	if !ok {
		return model.SessionStatus{}, fmt.Errorf("session status %s: %w", sessionID, errs.ErrSessionNotFound)
	}

	st := model.SessionStatus{
		SessionID:     sess.SessionID,
		ModelID:       sess.ModelID,
		UserCount:     len(sess.Users),
		ChangeCount:   len(sess.ActiveChanges),
		ConflictCount: unresolvedCount(sess),
		VersionCount:  len(sess.Versions),
		CreatedAt:     sess.CreatedAt,
		LastActivity:  sess.LastActivity,
	}
	for _, u := range sess.Users {
		st.Users = append(st.Users, model.UserStatus{
			UserID:     u.UserID,
			Username:   u.Username,
			Role:       u.Role,
			LastActive: u.LastActive,
		})
	}
	sort.Slice(st.Users, func(i, j int) bool { return st.Users[i].UserID < st.Users[j].UserID })
	return st, nil
}

// --- Change Processor ---

// ChangeRequest carries the caller-supplied fields of a proposed change.
type ChangeRequest struct {
	ChangeType  model.ChangeType
	ElementID   string
	ElementType string
	NewValue    map[string]any
	OldValue    map[string]any
	Description string
}

// MakeChange validates permissions, inserts the change into the session's
// active journal and enqueues it for background processing. It returns as soon
// as the change is queued; conflict and version outcomes are observed via
// GetChanges/GetConflicts/GetVersions.
func (e *Engine) MakeChange(sessionID uuid.UUID, userID string, req ChangeRequest) (uuid.UUID, error) {
	if !req.ChangeType.Valid() {
		return uuid.Nil, fmt.Errorf("unknown change type %q: %w", req.ChangeType, errs.ErrValidation)
	}
	if req.ElementID == "" {
		return uuid.Nil, fmt.Errorf("empty element id: %w", errs.ErrValidation)
	}

	change := &model.Change{
		ChangeID:    uuid.Must(uuid.NewV4()),
		UserID:      userID,
		Timestamp:   e.now(),
		ChangeType:  req.ChangeType,
		ElementID:   req.ElementID,
		ElementType: req.ElementType,
		OldValue:    req.OldValue,
		NewValue:    req.NewValue,
		Description: req.Description,
	}

	e.store.Lock()
	sess, ok := e.store.Get(sessionID)
	if !ok {
		e.store.Unlock()
		return uuid.Nil, fmt.Errorf("make change in %s: %w", sessionID, errs.ErrSessionNotFound)
	}
	if err := requirePermission(sess, userID, model.PermWrite); err != nil {
		e.store.Unlock()
		return uuid.Nil, fmt.Errorf("make change in %s: %w", sessionID, err)
	}
	sess.ActiveChanges[change.ChangeID] = change
	sess.LastActivity = change.Timestamp
	if u, ok := sess.Users[userID]; ok {
		u.LastActive = change.Timestamp
	}
	e.store.Unlock()

	select {
	case e.queue <- queueItem{sessionID: sessionID, change: change}:
	default:
		// Overflow: the change stays in the journal but skips conflict
		// detection until a later fold picks it up.
		e.log.Warn("change queue full, item dropped",
			zap.Stringer("session_id", sessionID),
			zap.Stringer("change_id", change.ChangeID),
		)
	}
	return change.ChangeID, nil
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case it := <-e.queue:
			e.process(it)
		case <-e.quit:
			for {
				select {
				case it := <-e.queue:
					e.process(it)
				default:
					return
				}
			}
		}
	}
}

// process drives one queued change through detection, application and version
// folding. A panic here is logged and the item dropped so one malformed change
// cannot halt the queue.
func (e *Engine) process(it queueItem) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("change processing panic",
				zap.Any("reason", r),
				zap.Stringer("session_id", it.sessionID),
				zap.Stringer("change_id", it.change.ChangeID),
			)
		}
	}()

	e.store.Lock()
	defer e.store.Unlock()

	sess, ok := e.store.Get(it.sessionID)
	if !ok {
		return
	}
	// The change may already have been folded by an explicit CreateVersion
	// between enqueue and processing.
	change, ok := sess.ActiveChanges[it.change.ChangeID]
	if !ok {
		return
	}

	conflicts := detectConflicts(sess, change)
	if len(conflicts) > 0 {
		now := e.now()
		for _, c := range conflicts {
			sess.Conflicts = append(sess.Conflicts, c)
			cp := *c
			e.emit(sess, Event{Type: EventConflictDetected, Time: now, UserID: change.UserID, Conflict: &cp})
			e.log.Warn("conflict detected",
				zap.Stringer("session_id", sess.SessionID),
				zap.Stringer("conflict_id", c.ConflictID),
				zap.String("element_id", c.ElementID),
			)
		}
		// Change stays pending in the journal until its conflict is resolved.
		return
	}
	// The pair may already be on record from processing the other side, in
	// which case this change is pending under that conflict, not applicable.
	if pendingConflict(sess, change.ChangeID) {
		return
	}

	e.applyChange(sess, change)
	if sess.Applied >= e.cadence {
		e.createVersion(sess, change.UserID, "Auto-save")
	}
}

// applyChange marks a change applied. The authoritative model storage is
// external, so application here is bookkeeping: the applied counter drives the
// versioning cadence and the event lets downstream validators react.
func (e *Engine) applyChange(sess *model.Session, change *model.Change) {
	sess.Applied++
	cp := *change
	e.emit(sess, Event{Type: EventChangeApplied, Time: e.now(), UserID: change.UserID, Change: &cp})
	e.log.Debug("change applied",
		zap.Stringer("session_id", sess.SessionID),
		zap.Stringer("change_id", change.ChangeID),
		zap.String("element_id", change.ElementID),
	)
}

// --- Conflict Resolver ---

// ResolveConflict settles an unresolved conflict with the given strategy.
// Resolving an already-resolved conflict fails with ErrConflictNotFound.
func (e *Engine) ResolveConflict(sessionID, conflictID uuid.UUID, strategy model.Resolution, resolvedBy string) error {
	if !strategy.Valid() {
		return fmt.Errorf("unknown resolution %q: %w", strategy, errs.ErrValidation)
	}

	e.store.Lock()
	defer e.store.Unlock()

	sess, ok := e.store.Get(sessionID)
	if !ok {
		return fmt.Errorf("resolve conflict in %s: %w", sessionID, errs.ErrSessionNotFound)
	}

	var conflict *model.Conflict
	for _, c := range sess.Conflicts {
		if c.ConflictID == conflictID && !c.Resolved() {
			conflict = c
			break
		}
	}
	if conflict == nil {
		return fmt.Errorf("resolve conflict %s: %w", conflictID, errs.ErrConflictNotFound)
	}

	e.resolve(sess, conflict, strategy, resolvedBy)
	sess.LastActivity = e.now()
	return nil
}

// resolve applies a strategy to a conflict and records the outcome. Caller
// must hold the store lock.
func (e *Engine) resolve(sess *model.Session, c *model.Conflict, strategy model.Resolution, resolvedBy string) {
	switch strategy {
	case model.ResolutionLastWriterWins, model.ResolutionAutomatic:
		winner := laterChange(c)
		loser := &c.Change1
		if winner == &c.Change1 {
			loser = &c.Change2
		}
		delete(sess.ActiveChanges, loser.ChangeID)
		if _, ok := sess.ActiveChanges[winner.ChangeID]; !ok {
			cp := *winner
			sess.ActiveChanges[cp.ChangeID] = &cp
		}
		e.applyChange(sess, winner)

	case model.ResolutionMerge:
		merged := mergeChanges(&c.Change1, &c.Change2, e.now())
		delete(sess.ActiveChanges, c.Change1.ChangeID)
		delete(sess.ActiveChanges, c.Change2.ChangeID)
		sess.ActiveChanges[merged.ChangeID] = merged
		e.applyChange(sess, merged)

	case model.ResolutionReject:
		delete(sess.ActiveChanges, c.Change1.ChangeID)
		delete(sess.ActiveChanges, c.Change2.ChangeID)

	case model.ResolutionManual:
		// Recorded only; the final value is supplied out-of-band.
	}

	now := e.now()
	c.Resolution = strategy
	c.ResolvedBy = resolvedBy
	c.ResolvedAt = now

	cp := *c
	e.emit(sess, Event{Type: EventConflictResolved, Time: now, UserID: resolvedBy, Conflict: &cp})
	e.log.Info("conflict resolved",
		zap.Stringer("session_id", sess.SessionID),
		zap.Stringer("conflict_id", c.ConflictID),
		zap.String("resolution", string(strategy)),
		zap.String("resolved_by", resolvedBy),
	)
}

// --- Version Manager ---

// CreateVersion folds the active journal into a new immutable version and
// clears the journal. Requires write permission.
func (e *Engine) CreateVersion(sessionID uuid.UUID, userID, description string) (uuid.UUID, error) {
	e.store.Lock()
	defer e.store.Unlock()

	sess, ok := e.store.Get(sessionID)
	if !ok {
		return uuid.Nil, fmt.Errorf("create version in %s: %w", sessionID, errs.ErrSessionNotFound)
	}
	if err := requirePermission(sess, userID, model.PermWrite); err != nil {
		return uuid.Nil, fmt.Errorf("create version in %s: %w", sessionID, err)
	}

	v := e.createVersion(sess, userID, description)
	return v.VersionID, nil
}

// createVersion snapshots the journal. Caller must hold the store lock.
func (e *Engine) createVersion(sess *model.Session, userID, description string) *model.Version {
	changes := make([]model.Change, 0, len(sess.ActiveChanges))
	for _, c := range sess.ActiveChanges {
		changes = append(changes, *c)
	}
	sortChanges(changes)

	parent := uuid.Nil
	if n := len(sess.Versions); n > 0 {
		parent = sess.Versions[n-1].VersionID
	}
	now := e.now()
	v := &model.Version{
		VersionID:     uuid.Must(uuid.NewV4()),
		VersionNumber: len(sess.Versions) + 1,
		Timestamp:     now,
		UserID:        userID,
		Description:   description,
		Changes:       changes,
		ParentVersion: parent,
	}
	sess.Versions = append(sess.Versions, v)
	sess.ActiveChanges = make(map[uuid.UUID]*model.Change)
	sess.Applied = 0
	sess.LastActivity = now

	e.emit(sess, Event{Type: EventVersionCreated, Time: now, UserID: userID, Version: v})
	e.log.Info("version created",
		zap.Stringer("session_id", sess.SessionID),
		zap.Stringer("version_id", v.VersionID),
		zap.Int("version_number", v.VersionNumber),
		zap.Int("changes", len(changes)),
	)
	return v
}

// GetVersions returns version snapshots ordered by version number. Requires
// read permission.
func (e *Engine) GetVersions(sessionID uuid.UUID, userID string) ([]model.Version, error) {
	e.store.Lock()
	defer e.store.Unlock()

	sess, ok := e.store.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("get versions in %s: %w", sessionID, errs.ErrSessionNotFound)
	}
	if _, ok := sess.Users[userID]; !ok {
		return nil, fmt.Errorf("get versions in %s: user %s: %w", sessionID, userID, errs.ErrUserNotInSession)
	}
	if err := requirePermission(sess, userID, model.PermRead); err != nil {
		return nil, fmt.Errorf("get versions in %s: %w", sessionID, err)
	}

	out := make([]model.Version, 0, len(sess.Versions))
	for _, v := range sess.Versions {
		cp := *v
		cp.Changes = append([]model.Change(nil), v.Changes...)
		out = append(out, cp)
	}
	return out, nil
}

// --- Queries ---

// AuthorizeRead verifies the user is a session member with read capability.
// Used by transports gating access to session-scoped resources the engine
// does not itself serve.
func (e *Engine) AuthorizeRead(sessionID uuid.UUID, userID string) error {
	e.store.Lock()
	defer e.store.Unlock()

	sess, ok := e.store.Get(sessionID)
	if !ok {
		return fmt.Errorf("authorize read %s: %w", sessionID, errs.ErrSessionNotFound)
	}
	if _, ok := sess.Users[userID]; !ok {
		return fmt.Errorf("authorize read %s: user %s: %w", sessionID, userID, errs.ErrUserNotInSession)
	}
	if err := requirePermission(sess, userID, model.PermRead); err != nil {
		return fmt.Errorf("authorize read %s: %w", sessionID, err)
	}
	return nil
}

// GetChanges returns the active journal, ordered by timestamp, optionally
// restricted to changes at or after since. Requires read permission.
func (e *Engine) GetChanges(sessionID uuid.UUID, userID string, since time.Time) ([]model.Change, error) {
	e.store.Lock()
	defer e.store.Unlock()

	sess, ok := e.store.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("get changes in %s: %w", sessionID, errs.ErrSessionNotFound)
	}
	if _, ok := sess.Users[userID]; !ok {
		return nil, fmt.Errorf("get changes in %s: user %s: %w", sessionID, userID, errs.ErrUserNotInSession)
	}
	if err := requirePermission(sess, userID, model.PermRead); err != nil {
		return nil, fmt.Errorf("get changes in %s: %w", sessionID, err)
	}

	out := make([]model.Change, 0, len(sess.ActiveChanges))
	for _, c := range sess.ActiveChanges {
		if !since.IsZero() && c.Timestamp.Before(since) {
			continue
		}
		out = append(out, *c)
	}
	sortChanges(out)
	return out, nil
}

// GetConflicts returns unresolved conflicts. Resolved conflicts are retained
// for audit but filtered out here. Requires read permission.
func (e *Engine) GetConflicts(sessionID uuid.UUID, userID string) ([]model.Conflict, error) {
	e.store.Lock()
	defer e.store.Unlock()

	sess, ok := e.store.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("get conflicts in %s: %w", sessionID, errs.ErrSessionNotFound)
	}
	if _, ok := sess.Users[userID]; !ok {
		return nil, fmt.Errorf("get conflicts in %s: user %s: %w", sessionID, userID, errs.ErrUserNotInSession)
	}
	if err := requirePermission(sess, userID, model.PermRead); err != nil {
		return nil, fmt.Errorf("get conflicts in %s: %w", sessionID, err)
	}

	var out []model.Conflict
	for _, c := range sess.Conflicts {
		if !c.Resolved() {
			out = append(out, *c)
		}
	}
	return out, nil
}

// Export is a full read-only snapshot of a session for audit or hand-off to
// downstream tooling. Versions carry metadata only, not their folded changes.
type Export struct {
	SessionID    uuid.UUID
	ModelID      string
	CreatedAt    time.Time
	LastActivity time.Time
	Users        []model.User
	Changes      []model.Change
	Conflicts    []model.Conflict
	Versions     []model.Version
}

// ExportSession returns the full session snapshot. Requires read permission.
func (e *Engine) ExportSession(sessionID uuid.UUID, userID string) (Export, error) {
	e.store.Lock()
	defer e.store.Unlock()

	sess, ok := e.store.Get(sessionID)
	if !ok {
		return Export{}, fmt.Errorf("export session %s: %w", sessionID, errs.ErrSessionNotFound)
	}
	if _, ok := sess.Users[userID]; !ok {
		return Export{}, fmt.Errorf("export session %s: user %s: %w", sessionID, userID, errs.ErrUserNotInSession)
	}
	if err := requirePermission(sess, userID, model.PermRead); err != nil {
		return Export{}, fmt.Errorf("export session %s: %w", sessionID, err)
	}

	ex := Export{
		SessionID:    sess.SessionID,
		ModelID:      sess.ModelID,
		CreatedAt:    sess.CreatedAt,
		LastActivity: sess.LastActivity,
	}
	for _, u := range sess.Users {
		cp := *u
		cp.Permissions = u.Permissions.Clone()
		ex.Users = append(ex.Users, cp)
	}
	sort.Slice(ex.Users, func(i, j int) bool { return ex.Users[i].UserID < ex.Users[j].UserID })
	for _, c := range sess.ActiveChanges {
		ex.Changes = append(ex.Changes, *c)
	}
	sortChanges(ex.Changes)
	for _, c := range sess.Conflicts {
		ex.Conflicts = append(ex.Conflicts, *c)
	}
	for _, v := range sess.Versions {
		cp := *v
		cp.Changes = nil
		ex.Versions = append(ex.Versions, cp)
	}
	return ex, nil
}

// --- Branch / Merge ---

// CreateBranch creates a new session seeded with the source session's users,
// permissions and version history. The branch starts with an empty journal:
// pending unversioned changes stay behind. Requires write permission.
func (e *Engine) CreateBranch(sessionID uuid.UUID, userID, name, description string) (uuid.UUID, error) {
	e.store.Lock()
	defer e.store.Unlock()

	parent, ok := e.store.Get(sessionID)
	if !ok {
		return uuid.Nil, fmt.Errorf("branch session %s: %w", sessionID, errs.ErrSessionNotFound)
	}
	if err := requirePermission(parent, userID, model.PermWrite); err != nil {
		return uuid.Nil, fmt.Errorf("branch session %s: %w", sessionID, err)
	}

	now := e.now()
	branch := &model.Session{
		SessionID:     uuid.Must(uuid.NewV4()),
		ModelID:       parent.ModelID,
		Users:         make(map[string]*model.User, len(parent.Users)),
		Permissions:   make(map[string]model.PermissionSet, len(parent.Permissions)),
		ActiveChanges: make(map[uuid.UUID]*model.Change),
		Versions:      append([]*model.Version(nil), parent.Versions...),
		CreatedAt:     now,
		LastActivity:  now,
	}
	for id, u := range parent.Users {
		cp := *u
		cp.Permissions = u.Permissions.Clone()
		branch.Users[id] = &cp
	}
	for id, p := range parent.Permissions {
		branch.Permissions[id] = p.Clone()
	}
	e.store.Put(branch)

	e.log.Info("branch created",
		zap.Stringer("session_id", sessionID),
		zap.Stringer("branch_id", branch.SessionID),
		zap.String("name", name),
		zap.String("description", description),
		zap.String("user_id", userID),
	)
	return branch.SessionID, nil
}

// MergeBranch applies the source session's active changes into the target.
// Conflicting pairs are handled per the strategy: Manual defers them to the
// target's conflict list, every other strategy resolves them immediately with
// the merging user recorded as resolver. A version is always folded on the
// target afterwards, naming the source session.
func (e *Engine) MergeBranch(targetID, sourceID uuid.UUID, userID string, strategy model.Resolution) error {
	if !strategy.Valid() {
		return fmt.Errorf("unknown resolution %q: %w", strategy, errs.ErrValidation)
	}

	e.store.Lock()
	defer e.store.Unlock()

	target, ok := e.store.Get(targetID)
	if !ok {
		return fmt.Errorf("merge into %s: %w", targetID, errs.ErrSessionNotFound)
	}
	source, ok := e.store.Get(sourceID)
	if !ok {
		return fmt.Errorf("merge from %s: %w", sourceID, errs.ErrSessionNotFound)
	}
	if err := requirePermission(target, userID, model.PermWrite); err != nil {
		return fmt.Errorf("merge into %s: %w", targetID, err)
	}

	incoming := make([]model.Change, 0, len(source.ActiveChanges))
	for _, c := range source.ActiveChanges {
		incoming = append(incoming, *c)
	}
	sortChanges(incoming)

	for i := range incoming {
		change := incoming[i]
		conflicts := detectConflicts(target, &change)
		if len(conflicts) == 0 {
			target.ActiveChanges[change.ChangeID] = &change
			e.applyChange(target, &change)
			continue
		}
		for _, c := range conflicts {
			target.Conflicts = append(target.Conflicts, c)
			if strategy == model.ResolutionManual {
				cp := *c
				e.emit(target, Event{Type: EventConflictDetected, Time: e.now(), UserID: userID, Conflict: &cp})
				continue
			}
			e.resolve(target, c, strategy, userID)
		}
	}

	e.createVersion(target, userID, fmt.Sprintf("Merged from %s", sourceID))
	e.log.Info("branch merged",
		zap.Stringer("target_id", targetID),
		zap.Stringer("source_id", sourceID),
		zap.String("strategy", string(strategy)),
		zap.String("user_id", userID),
	)
	return nil
}

// --- helpers ---

// requirePermission checks the user's role-derived capability set. Caller must
// hold the store lock.
func requirePermission(sess *model.Session, userID string, p model.Permission) error {
	perms, ok := sess.Permissions[userID]
	if !ok || !perms.Has(p) {
		return fmt.Errorf("user %s lacks %q: %w", userID, p, errs.ErrPermissionDenied)
	}
	return nil
}

func unresolvedCount(sess *model.Session) int {
	n := 0
	for _, c := range sess.Conflicts {
		if !c.Resolved() {
			n++
		}
	}
	return n
}

// sortChanges orders changes by timestamp, breaking ties by change id so map
// iteration never leaks into observable ordering.
func sortChanges(cs []model.Change) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].Timestamp.Equal(cs[j].Timestamp) {
			return cs[i].Timestamp.Before(cs[j].Timestamp)
		}
		return cs[i].ChangeID.String() < cs[j].ChangeID.String()
	})
}

// emit publishes an event without blocking; a slow consumer loses events.
func (e *Engine) emit(sess *model.Session, ev Event) {
	ev.SessionID = sess.SessionID
	ev.ModelID = sess.ModelID
	select {
	case e.events <- ev:
	default:
	}
}

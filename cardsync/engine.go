package cardsync

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/deemkeen/cardfed/activitypub"
	"github.com/deemkeen/cardfed/domain"
	"github.com/deemkeen/cardfed/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SyncResult is the outcome of moving one card to one platform.
type SyncResult struct {
	FederatedID string                `json:"federatedId,omitempty"`
	Platform    domain.PlatformID     `json:"platform,omitempty"`
	Success     bool                  `json:"success"`
	Conflict    bool                  `json:"conflict,omitempty"`
	State       *domain.CardSyncState `json:"-"`
	Error       string                `json:"error,omitempty"`
}

func failed(to domain.PlatformID, err error) SyncResult {
	return SyncResult{Platform: to, Error: err.Error()}
}

// Engine moves cards between registered platforms and keeps their
// CardSyncState current.
type Engine struct {
	fed   *util.Federation
	store StateStore
	bus   bus

	mu       sync.RWMutex
	adapters map[domain.PlatformID]PlatformAdapter

	now func() time.Time
}

func NewEngine(fed *util.Federation, store StateStore) (*Engine, error) {
	if err := fed.Check(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, &domain.ConfigError{Msg: "sync engine requires a state store"}
	}
	return &Engine{
		fed:      fed,
		store:    store,
		adapters: map[domain.PlatformID]PlatformAdapter{},
		now:      time.Now,
	}, nil
}

func (e *Engine) RegisterPlatform(id domain.PlatformID, adapter PlatformAdapter) error {
	if err := e.fed.Check(); err != nil {
		return err
	}
	if id == "" || adapter == nil {
		return domain.NewValidationError("platform id and adapter are required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adapters[id] = adapter
	return nil
}

func (e *Engine) UnregisterPlatform(id domain.PlatformID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.adapters, id)
}

// Platforms returns the registered platform ids, sorted.
func (e *Engine) Platforms() []domain.PlatformID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.PlatformID, 0, len(e.adapters))
	for id := range e.adapters {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Subscribe adds a listener; listeners run in the order they were added.
func (e *Engine) Subscribe(l Listener) {
	e.bus.subscribe(l)
}

func (e *Engine) adapter(id domain.PlatformID) (PlatformAdapter, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.adapters[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "platform", ID: string(id)}
	}
	return a, nil
}

func (e *Engine) emit(ctx context.Context, ev Event) {
	ev.Timestamp = e.now().UTC()
	e.bus.emit(ctx, ev)
}

func (e *Engine) newFederatedID() string {
	return e.fed.BaseURL() + "/cards/" + uuid.NewString()
}

func (e *Engine) actorID() string {
	return e.fed.BaseURL() + "/actor"
}

// PushCard copies the card stored as localID on from to the platform to.
// Unknown platforms or cards and detected conflicts come back as an
// unsuccessful result; adapter and store failures are returned as errors.
func (e *Engine) PushCard(ctx context.Context, from domain.PlatformID, localID string, to domain.PlatformID) (SyncResult, error) {
	if err := e.fed.Check(); err != nil {
		return SyncResult{}, err
	}
	res, err := e.push(ctx, from, localID, to, false)
	syncOps.WithLabelValues("push", outcome(res, err)).Inc()
	return res, err
}

func (e *Engine) push(ctx context.Context, from domain.PlatformID, localID string, to domain.PlatformID, force bool) (SyncResult, error) {
	if from == to {
		return failed(to, domain.NewValidationError("source and target platform are both %s", from)), nil
	}
	src, err := e.adapter(from)
	if err != nil {
		return failed(to, err), nil
	}
	dst, err := e.adapter(to)
	if err != nil {
		return failed(to, err), nil
	}

	card, err := src.GetCard(ctx, localID)
	if err != nil {
		if domain.IsNotFound(err) {
			return failed(to, err), nil
		}
		return failed(to, err), fmt.Errorf("failed to load card %s from %s: %w", localID, from, err)
	}
	hash, err := card.VersionHash()
	if err != nil {
		return failed(to, err), err
	}

	state, err := e.store.FindSyncStateByPlatformID(ctx, from, localID)
	if err != nil {
		return failed(to, err), fmt.Errorf("failed to load sync state: %w", err)
	}
	if state == nil {
		state = domain.NewCardSyncState(e.newFederatedID(), localID)
		state.PlatformIDs[from] = localID
	}

	if state.Status == domain.SyncStatusConflict && !force {
		res := failed(to, domain.NewValidationError("card %s has an unresolved conflict", state.FederatedID))
		res.FederatedID = state.FederatedID
		res.Conflict = true
		res.State = state
		return res, nil
	}

	targetID := state.PlatformIDs[to]
	if targetID != "" && !force {
		conflict, err := e.detectConflict(ctx, dst, state, to, targetID, hash)
		if err != nil {
			return failed(to, err), err
		}
		if conflict != nil {
			return e.recordConflict(ctx, state, conflict)
		}
	}

	savedID, err := dst.SaveCard(ctx, card, targetID)
	if err != nil {
		zap.S().Errorf("Sync: saving %s to %s failed: %v", state.FederatedID, to, err)
		res := failed(to, err)
		res.FederatedID = state.FederatedID
		return res, fmt.Errorf("failed to save card to %s: %w", to, err)
	}

	at := e.now()
	state.PlatformIDs[from] = localID
	state.PlatformIDs[to] = savedID
	state.LastSync[from] = at
	state.LastSync[to] = at
	state.VersionHash = hash
	state.Status = domain.SyncStatusSynced
	state.Conflict = nil
	if err := e.store.SaveSyncState(ctx, state); err != nil {
		return failed(to, err), fmt.Errorf("failed to save sync state: %w", err)
	}

	e.emit(ctx, Event{Type: EventCardSynced, FederatedID: state.FederatedID, Platform: from, Target: to})
	return SyncResult{FederatedID: state.FederatedID, Platform: to, Success: true, State: state.Clone()}, nil
}

// detectConflict reports a conflict when both the source copy and the copy on
// to changed since the last sync.
func (e *Engine) detectConflict(ctx context.Context, dst PlatformAdapter, state *domain.CardSyncState, to domain.PlatformID, targetID, sourceHash string) (*domain.SyncConflict, error) {
	if state.VersionHash == "" || sourceHash == state.VersionHash {
		return nil, nil
	}
	modified, err := dst.GetLastModified(ctx, targetID)
	if err != nil {
		if domain.IsNotFound(err) {
			// copy was removed on the target; pushing recreates it
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read modification time on %s: %w", to, err)
	}
	if !modified.After(state.LastSync[to]) {
		return nil, nil
	}

	remote, err := dst.GetCard(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to load card from %s: %w", to, err)
	}
	remoteHash, err := remote.VersionHash()
	if err != nil {
		return nil, err
	}
	if remoteHash == sourceHash || remoteHash == state.VersionHash {
		return nil, nil
	}
	return &domain.SyncConflict{LocalVersion: sourceHash, RemoteVersion: remoteHash, RemotePlatform: to}, nil
}

func (e *Engine) recordConflict(ctx context.Context, state *domain.CardSyncState, conflict *domain.SyncConflict) (SyncResult, error) {
	state.Status = domain.SyncStatusConflict
	state.Conflict = conflict
	if err := e.store.SaveSyncState(ctx, state); err != nil {
		return failed(conflict.RemotePlatform, err), fmt.Errorf("failed to save sync state: %w", err)
	}
	zap.S().Warnf("Sync: conflict on %s with %s", state.FederatedID, conflict.RemotePlatform)
	e.emit(ctx, Event{Type: EventConflict, FederatedID: state.FederatedID, Target: conflict.RemotePlatform})

	return SyncResult{
		FederatedID: state.FederatedID,
		Platform:    conflict.RemotePlatform,
		Conflict:    true,
		State:       state.Clone(),
		Error:       "conflicting changes on " + string(conflict.RemotePlatform),
	}, nil
}

// PullCard copies a known federated card from one mapped platform to another.
func (e *Engine) PullCard(ctx context.Context, federatedID string, from, to domain.PlatformID) (SyncResult, error) {
	if err := e.fed.Check(); err != nil {
		return SyncResult{}, err
	}
	state, err := e.store.GetSyncState(ctx, federatedID)
	if err != nil {
		return failed(to, err), fmt.Errorf("failed to load sync state: %w", err)
	}
	if state == nil {
		return failed(to, &domain.NotFoundError{Kind: "card", ID: federatedID}), nil
	}
	localID, ok := state.PlatformIDs[from]
	if !ok {
		return failed(to, &domain.NotFoundError{Kind: "platform copy", ID: string(from)}), nil
	}
	res, err := e.push(ctx, from, localID, to, false)
	syncOps.WithLabelValues("pull", outcome(res, err)).Inc()
	return res, err
}

// SyncCardToAll pushes one card to every other registered platform. A failing
// platform is reported in its result and does not stop the others.
func (e *Engine) SyncCardToAll(ctx context.Context, from domain.PlatformID, localID string) ([]SyncResult, error) {
	if err := e.fed.Check(); err != nil {
		return nil, err
	}
	if _, err := e.adapter(from); err != nil {
		return []SyncResult{failed(from, err)}, nil
	}

	e.emit(ctx, Event{Type: EventSyncStarted, Platform: from})
	results := e.pushEverywhere(ctx, from, localID)
	e.emit(ctx, Event{Type: EventSyncCompleted, Platform: from, Results: results})
	return results, nil
}

// SyncPlatform pushes every card listed on from to every other platform.
func (e *Engine) SyncPlatform(ctx context.Context, from domain.PlatformID) ([]SyncResult, error) {
	if err := e.fed.Check(); err != nil {
		return nil, err
	}
	src, err := e.adapter(from)
	if err != nil {
		return []SyncResult{failed(from, err)}, nil
	}
	cards, err := src.ListCards(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list cards on %s: %w", from, err)
	}

	e.emit(ctx, Event{Type: EventSyncStarted, Platform: from})
	var results []SyncResult
	for _, c := range cards {
		results = append(results, e.pushEverywhere(ctx, from, c.LocalID)...)
	}
	e.emit(ctx, Event{Type: EventSyncCompleted, Platform: from, Results: results})
	return results, nil
}

func (e *Engine) pushEverywhere(ctx context.Context, from domain.PlatformID, localID string) []SyncResult {
	var results []SyncResult
	for _, to := range e.Platforms() {
		if to == from {
			continue
		}
		res, err := e.push(ctx, from, localID, to, false)
		if err != nil {
			zap.S().Errorf("Sync: %s/%s -> %s failed: %v", from, localID, to, err)
			res.Success = false
			res.Error = err.Error()
		}
		syncOps.WithLabelValues("push", outcome(res, err)).Inc()
		results = append(results, res)
	}
	return results
}

// ForkCard stores a new, independently tracked copy of a federated card on
// to and records the fork against the source.
func (e *Engine) ForkCard(ctx context.Context, sourceFederatedID string, from, to domain.PlatformID) (SyncResult, error) {
	if err := e.fed.Check(); err != nil {
		return SyncResult{}, err
	}
	source, err := e.store.GetSyncState(ctx, sourceFederatedID)
	if err != nil {
		return failed(to, err), fmt.Errorf("failed to load sync state: %w", err)
	}
	if source == nil {
		return failed(to, &domain.NotFoundError{Kind: "card", ID: sourceFederatedID}), nil
	}
	localID, ok := source.PlatformIDs[from]
	if !ok {
		return failed(to, &domain.NotFoundError{Kind: "platform copy", ID: string(from)}), nil
	}
	src, err := e.adapter(from)
	if err != nil {
		return failed(to, err), nil
	}
	dst, err := e.adapter(to)
	if err != nil {
		return failed(to, err), nil
	}

	card, err := src.GetCard(ctx, localID)
	if err != nil {
		if domain.IsNotFound(err) {
			return failed(to, err), nil
		}
		return failed(to, err), fmt.Errorf("failed to load card %s from %s: %w", localID, from, err)
	}
	hash, err := card.VersionHash()
	if err != nil {
		return failed(to, err), err
	}

	newID, err := dst.SaveCard(ctx, card, "")
	if err != nil {
		return failed(to, err), fmt.Errorf("failed to save fork to %s: %w", to, err)
	}

	at := e.now()
	fork := domain.NewCardSyncState(e.newFederatedID(), newID)
	fork.PlatformIDs[to] = newID
	fork.LastSync[to] = at
	fork.VersionHash = hash
	fork.Status = domain.SyncStatusSynced
	fork.ForkedFrom = &domain.ForkOrigin{FederatedID: sourceFederatedID, Platform: from, ForkedAt: at}
	if err := e.store.SaveSyncState(ctx, fork); err != nil {
		return failed(to, err), fmt.Errorf("failed to save sync state: %w", err)
	}

	if _, err := e.store.IncrementForkCount(ctx, sourceFederatedID, domain.ForkNotification{
		ForkID:    fork.FederatedID,
		ActorID:   e.actorID(),
		Platform:  to,
		Timestamp: at,
	}); err != nil {
		return failed(to, err), fmt.Errorf("failed to record fork on %s: %w", sourceFederatedID, err)
	}

	syncOps.WithLabelValues("fork", "success").Inc()
	e.emit(ctx, Event{Type: EventCardForked, FederatedID: fork.FederatedID, SourceID: sourceFederatedID, Platform: from, Target: to})
	return SyncResult{FederatedID: fork.FederatedID, Platform: to, Success: true, State: fork.Clone()}, nil
}

// ResolveConflict pushes the winner's copy to every other mapped platform.
func (e *Engine) ResolveConflict(ctx context.Context, federatedID string, winner domain.PlatformID) ([]SyncResult, error) {
	if err := e.fed.Check(); err != nil {
		return nil, err
	}
	state, err := e.store.GetSyncState(ctx, federatedID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}
	if state == nil {
		return nil, &domain.NotFoundError{Kind: "card", ID: federatedID}
	}
	if state.Status != domain.SyncStatusConflict {
		return nil, domain.NewValidationError("card %s is not in conflict", federatedID)
	}
	localID, ok := state.PlatformIDs[winner]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "platform copy", ID: string(winner)}
	}

	var results []SyncResult
	for _, to := range state.Platforms() {
		if to == winner {
			continue
		}
		res, err := e.push(ctx, winner, localID, to, true)
		if err != nil {
			return append(results, res), err
		}
		results = append(results, res)
	}
	return results, nil
}

// HandleInstallNotification counts a remote install. Installs of cards this
// instance does not track are ignored.
func (e *Engine) HandleInstallNotification(ctx context.Context, a *activitypub.InstallActivity) error {
	if err := e.fed.Check(); err != nil {
		return err
	}
	state, err := e.store.GetSyncState(ctx, a.Object.String())
	if err != nil {
		return fmt.Errorf("failed to load sync state: %w", err)
	}
	if state == nil {
		zap.S().Debugf("Sync: ignoring install of unknown card %s", a.Object)
		return nil
	}

	platform := a.Platform()
	state.AddInstall(domain.InstallNotification{ActorID: a.ActorID(), Platform: platform, Timestamp: e.publishedAt(a.Published)})
	if err := e.store.SaveSyncState(ctx, state); err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	e.emit(ctx, Event{Type: EventInstallReceived, FederatedID: state.FederatedID, ActorID: a.ActorID(), Platform: platform})
	return nil
}

// HandleForkNotification records a fork made on another instance.
func (e *Engine) HandleForkNotification(ctx context.Context, a *activitypub.ForkActivity) error {
	if err := e.fed.Check(); err != nil {
		return err
	}
	state, err := e.store.GetSyncState(ctx, a.Object.String())
	if err != nil {
		return fmt.Errorf("failed to load sync state: %w", err)
	}
	if state == nil {
		zap.S().Debugf("Sync: ignoring fork of unknown card %s", a.Object)
		return nil
	}

	forkID := ""
	if a.Result != nil {
		forkID = a.Result.ID
	}
	platform := domain.PlatformID(hostOf(a.ActorID()))
	if _, err := e.store.IncrementForkCount(ctx, state.FederatedID, domain.ForkNotification{
		ForkID:    forkID,
		ActorID:   a.ActorID(),
		Platform:  platform,
		Timestamp: e.publishedAt(a.Published),
	}); err != nil {
		return fmt.Errorf("failed to record fork on %s: %w", state.FederatedID, err)
	}
	e.emit(ctx, Event{Type: EventForkReceived, FederatedID: state.FederatedID, ActorID: a.ActorID(), SourceID: forkID, Platform: platform})
	return nil
}

// HandleLikeNotification counts a remote like of a tracked card.
func (e *Engine) HandleLikeNotification(ctx context.Context, a *activitypub.LikeActivity) error {
	if err := e.fed.Check(); err != nil {
		return err
	}
	state, err := e.store.GetSyncState(ctx, a.Object.String())
	if err != nil {
		return fmt.Errorf("failed to load sync state: %w", err)
	}
	if state == nil {
		return nil
	}
	state.AddLike(e.publishedAt(a.Published))
	if err := e.store.SaveSyncState(ctx, state); err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	e.emit(ctx, Event{Type: EventLikeReceived, FederatedID: state.FederatedID, ActorID: a.ActorID()})
	return nil
}

// GetFederatedCard renders a tracked card from the first platform that still
// holds it.
func (e *Engine) GetFederatedCard(ctx context.Context, federatedID string) (*activitypub.FederatedCard, error) {
	if err := e.fed.Check(); err != nil {
		return nil, err
	}
	state, err := e.store.GetSyncState(ctx, federatedID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}
	if state == nil {
		return nil, &domain.NotFoundError{Kind: "card", ID: federatedID}
	}

	for _, platform := range state.Platforms() {
		adapter, err := e.adapter(platform)
		if err != nil {
			continue
		}
		localID := state.PlatformIDs[platform]
		card, err := adapter.GetCard(ctx, localID)
		if domain.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load card from %s: %w", platform, err)
		}
		return activitypub.CardToActivityPub(card, activitypub.CardOptions{
			ID:             federatedID,
			ActorID:        e.actorID(),
			SourcePlatform: string(platform),
			SourceID:       localID,
		})
	}
	return nil, &domain.NotFoundError{Kind: "card", ID: federatedID}
}

func (e *Engine) GetSyncState(ctx context.Context, federatedID string) (*domain.CardSyncState, error) {
	if err := e.fed.Check(); err != nil {
		return nil, err
	}
	return e.store.GetSyncState(ctx, federatedID)
}

func (e *Engine) ListSyncStates(ctx context.Context) ([]*domain.CardSyncState, error) {
	if err := e.fed.Check(); err != nil {
		return nil, err
	}
	return e.store.ListSyncStates(ctx)
}

func (e *Engine) publishedAt(published string) time.Time {
	if t, err := time.Parse(time.RFC3339, published); err == nil {
		return t
	}
	return e.now()
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func outcome(res SyncResult, err error) string {
	switch {
	case err != nil:
		return "error"
	case res.Conflict:
		return "conflict"
	case res.Success:
		return "success"
	}
	return "rejected"
}

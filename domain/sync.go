package domain

import (
	"slices"
	"time"
)

// MaxForkNotifications bounds CardSyncState.ForkNotifications; older entries are dropped first.
const MaxForkNotifications = 100

type PlatformID string

type SyncStatus string

const (
	SyncStatusSynced   SyncStatus = "synced"
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusConflict SyncStatus = "conflict"
	SyncStatusError    SyncStatus = "error"
)

// CardSyncState is the durable per-card record keyed by FederatedID.
type CardSyncState struct {
	FederatedID       string                   `json:"federatedId"`
	LocalID           string                   `json:"localId"`
	PlatformIDs       map[PlatformID]string    `json:"platformIds"`
	LastSync          map[PlatformID]time.Time `json:"lastSync"`
	VersionHash       string                   `json:"versionHash"`
	Status            SyncStatus               `json:"status"`
	Conflict          *SyncConflict            `json:"conflict,omitempty"`
	ForkedFrom        *ForkOrigin              `json:"forkedFrom,omitempty"`
	ForksCount        int                      `json:"forksCount"`
	ForkNotifications []ForkNotification       `json:"forkNotifications,omitempty"`
	Stats             *CardStats               `json:"stats,omitempty"`
}

type SyncConflict struct {
	LocalVersion   string     `json:"localVersion"`
	RemoteVersion  string     `json:"remoteVersion"`
	RemotePlatform PlatformID `json:"remotePlatform"`
}

type ForkOrigin struct {
	FederatedID string     `json:"federatedId"`
	Platform    PlatformID `json:"platform"`
	ForkedAt    time.Time  `json:"forkedAt"`
}

type ForkNotification struct {
	ForkID    string     `json:"forkId"`
	ActorID   string     `json:"actorId"`
	Platform  PlatformID `json:"platform"`
	Timestamp time.Time  `json:"timestamp"`
}

type InstallNotification struct {
	ActorID   string     `json:"actorId"`
	Platform  PlatformID `json:"platform"`
	Timestamp time.Time  `json:"timestamp"`
}

type CardStats struct {
	InstallCount       int                `json:"installCount"`
	InstallsByPlatform map[PlatformID]int `json:"installsByPlatform"`
	ForkCount          int                `json:"forkCount"`
	LikeCount          int                `json:"likeCount"`
	LastUpdated        time.Time          `json:"lastUpdated"`
}

func NewCardSyncState(federatedID, localID string) *CardSyncState {
	return &CardSyncState{
		FederatedID: federatedID,
		LocalID:     localID,
		PlatformIDs: map[PlatformID]string{},
		LastSync:    map[PlatformID]time.Time{},
		Status:      SyncStatusPending,
	}
}

// AddForkNotification bumps the fork counter and appends n, evicting the oldest
// notifications beyond MaxForkNotifications. The counter itself is never capped.
func (s *CardSyncState) AddForkNotification(n ForkNotification) {
	s.ForksCount++
	s.ForkNotifications = append(s.ForkNotifications, n)
	if over := len(s.ForkNotifications) - MaxForkNotifications; over > 0 {
		s.ForkNotifications = append([]ForkNotification(nil), s.ForkNotifications[over:]...)
	}
	s.ensureStats(n.Timestamp)
	s.Stats.ForkCount = s.ForksCount
}

func (s *CardSyncState) AddInstall(n InstallNotification) {
	s.ensureStats(n.Timestamp)
	s.Stats.InstallCount++
	s.Stats.InstallsByPlatform[n.Platform]++
}

func (s *CardSyncState) AddLike(at time.Time) {
	s.ensureStats(at)
	s.Stats.LikeCount++
}

func (s *CardSyncState) ensureStats(at time.Time) {
	if s.Stats == nil {
		s.Stats = &CardStats{ForkCount: s.ForksCount}
	}
	if s.Stats.InstallsByPlatform == nil {
		s.Stats.InstallsByPlatform = map[PlatformID]int{}
	}
	s.Stats.LastUpdated = at
}

// Platforms lists the platforms holding a copy, sorted.
func (s *CardSyncState) Platforms() []PlatformID {
	out := make([]PlatformID, 0, len(s.PlatformIDs))
	for p := range s.PlatformIDs {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Clone returns a deep copy so stores never hand out shared maps.
func (s *CardSyncState) Clone() *CardSyncState {
	if s == nil {
		return nil
	}
	c := *s
	c.PlatformIDs = make(map[PlatformID]string, len(s.PlatformIDs))
	for k, v := range s.PlatformIDs {
		c.PlatformIDs[k] = v
	}
	c.LastSync = make(map[PlatformID]time.Time, len(s.LastSync))
	for k, v := range s.LastSync {
		c.LastSync[k] = v
	}
	if s.Conflict != nil {
		cf := *s.Conflict
		c.Conflict = &cf
	}
	if s.ForkedFrom != nil {
		ff := *s.ForkedFrom
		c.ForkedFrom = &ff
	}
	c.ForkNotifications = append([]ForkNotification(nil), s.ForkNotifications...)
	if s.Stats != nil {
		st := *s.Stats
		st.InstallsByPlatform = make(map[PlatformID]int, len(s.Stats.InstallsByPlatform))
		for k, v := range s.Stats.InstallsByPlatform {
			st.InstallsByPlatform[k] = v
		}
		c.Stats = &st
	}
	return &c
}

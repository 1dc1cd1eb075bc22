package replication

import (
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"
)

const (
	stagingInfix = "_staging_"
	backupInfix  = "_backup_"
)

// StagingPlan names the collections one entity moves through during a full sync.
type StagingPlan struct {
	Entity  string
	Target  string
	Staging string
	Backup  string
}

// TargetName is the live collection for entity under destination.
func TargetName(destination, entity string) string {
	return destination + "_" + entity
}

func newPlan(destination, entity string, token int64) StagingPlan {
	target := TargetName(destination, entity)
	t := strconv.FormatInt(token, 10)
	return StagingPlan{
		Entity:  entity,
		Target:  target,
		Staging: target + stagingInfix + t,
		Backup:  target + backupInfix + t,
	}
}

var tempNamePattern = regexp.MustCompile(`^(.+)_(staging|backup)_(\d+)$`)

// TempCollection describes a staging or backup collection parsed from its name.
type TempCollection struct {
	Name      string
	Target    string
	Kind      string // "staging" or "backup"
	CreatedAt time.Time
}

// ParseTempName recognises collections produced by newPlan.
func ParseTempName(name string) (TempCollection, bool) {
	m := tempNamePattern.FindStringSubmatch(name)
	if m == nil {
		return TempCollection{}, false
	}
	ms, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return TempCollection{}, false
	}
	return TempCollection{Name: name, Target: m[1], Kind: m[2], CreatedAt: time.UnixMilli(ms)}, true
}

// tokenSource hands out strictly increasing millisecond tokens.
type tokenSource struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func (t *tokenSource) next() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.now().UnixMilli()
	if v <= t.last {
		v = t.last + 1
	}
	t.last = v
	return v
}

func (p StagingPlan) String() string {
	return fmt.Sprintf("%s (staging=%s backup=%s)", p.Target, p.Staging, p.Backup)
}

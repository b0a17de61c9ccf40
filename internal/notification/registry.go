package notification

import (
	"hash/fnv"
	"sync"
)

// shardCount はセッションレジストリのシャード数。
const shardCount = 32

// Session はユーザーに結び付いた1本のリアルタイム接続。
type Session interface {
	// ID は接続ごとに一意な識別子を返す。
	ID() string
	// UserID は認証済みのユーザーIDを返す。
	UserID() string
	// Send はフレームを送信待ちに積む。積めなかった場合はfalseを返す。ブロックしてはならない。
	Send(frame []byte) bool
}

// Registry はユーザーIDごとの接続中セッションを管理する。
// ユーザーIDのハッシュでシャードに分け、シャードごとのロックで保護する。
// 異なるシャードのユーザーに対する操作は互いに待たない。
type Registry struct {
	shards [shardCount]registryShard
}

type registryShard struct {
	mu       sync.RWMutex
	sessions map[string]map[string]Session
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]map[string]Session)
	}
	return r
}

func (r *Registry) shard(userID string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &r.shards[h.Sum32()%shardCount]
}

// Register はセッションを登録する。同じユーザーの既存セッションは残る。
func (r *Registry) Register(s Session) {
	sh := r.shard(s.UserID())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	set, ok := sh.sessions[s.UserID()]
	if !ok {
		set = make(map[string]Session)
		sh.sessions[s.UserID()] = set
	}
	set[s.ID()] = s
}

// Unregister はセッションを取り除く。同じユーザーの他のセッションには影響しない。
func (r *Registry) Unregister(s Session) {
	sh := r.shard(s.UserID())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	set, ok := sh.sessions[s.UserID()]
	if !ok {
		return
	}
	delete(set, s.ID())
	if len(set) == 0 {
		delete(sh.sessions, s.UserID())
	}
}

// ListSessionsFor はユーザーの接続中セッションのスナップショットを返す。
func (r *Registry) ListSessionsFor(userID string) []Session {
	sh := r.shard(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	set := sh.sessions[userID]
	out := make([]Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

// Emit はユーザーの全セッションにフレームを送り、送信待ちに積めたセッション数を返す。
// 接続中のセッションがなければ何もしない。送信はロックの外で行う。
func (r *Registry) Emit(userID string, frame []byte) int {
	var delivered int
	for _, s := range r.ListSessionsFor(userID) {
		if s.Send(frame) {
			delivered++
		}
	}
	return delivered
}

// Count は接続中のセッション総数を返す。
func (r *Registry) Count() int {
	var n int
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, set := range sh.sessions {
			n += len(set)
		}
		sh.mu.RUnlock()
	}
	return n
}

package chat

import (
	"sort"
	"sync"
)

// AdmitPolicy 同一客户身份重复连接时的处理策略
type AdmitPolicy int

const (
	// PolicySupersede 新连接替换旧连接（容忍重连）
	PolicySupersede AdmitPolicy = iota
	// PolicyReject 拒绝新连接
	PolicyReject
)

type customerRecord struct {
	identity Identity
	conn     Conn
	unread   bool
	seq      uint64 // 准入顺序，用于快照排序
}

type adminRecord struct {
	identity Identity
	conn     Conn
	selected string // 当前选中的客户ID，空表示未选中
}

// Registry 连接注册表：客户身份 -> 在线连接，以及在线客服集合。
// 所有操作在同一把锁内完成，锁内不做网络IO。
type Registry struct {
	mu        sync.RWMutex
	policy    AdmitPolicy
	customers map[string]*customerRecord // 客户ID -> 记录
	admins    map[string]*adminRecord    // 连接ID -> 客服记录
	conns     map[string]Identity        // 连接ID -> 身份
	seq       uint64
}

func NewRegistry(policy AdmitPolicy) *Registry {
	return &Registry{
		policy:    policy,
		customers: make(map[string]*customerRecord),
		admins:    make(map[string]*adminRecord),
		conns:     make(map[string]Identity),
	}
}

// Admit 准入一个连接。客户身份已在线时按策略替换或拒绝，
// 替换时返回被顶掉的旧连接，由调用方负责关闭。
func (r *Registry) Admit(identity Identity, conn Conn) (Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if identity.IsAdmin {
		r.admins[conn.ID()] = &adminRecord{identity: identity, conn: conn}
		r.conns[conn.ID()] = identity
		return nil, nil
	}

	rec := &customerRecord{identity: identity, conn: conn}
	var superseded Conn
	if prev, ok := r.customers[identity.ID]; ok {
		if r.policy == PolicyReject {
			return nil, ErrDuplicateIdentity
		}
		superseded = prev.conn
		delete(r.conns, prev.conn.ID())
		// 重连沿用原记录的未读标记和快照位置
		rec.unread = prev.unread
		rec.seq = prev.seq
	} else {
		r.seq++
		rec.seq = r.seq
	}

	r.customers[identity.ID] = rec
	r.conns[conn.ID()] = identity
	return superseded, nil
}

// Remove 移除连接。只有记录仍属于该连接时才删除客户记录，
// 被替换的旧连接拆除时不会误删新连接。重复调用安全。
func (r *Registry) Remove(conn Conn) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.conns[conn.ID()]
	if !ok {
		return Identity{}, false
	}
	delete(r.conns, conn.ID())

	if identity.IsAdmin {
		delete(r.admins, conn.ID())
		return identity, true
	}
	if rec, ok := r.customers[identity.ID]; ok && rec.conn.ID() == conn.ID() {
		delete(r.customers, identity.ID)
	}
	return identity, true
}

// Lookup 查找客户的在线连接
func (r *Registry) Lookup(customerID string) (Conn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.customers[customerID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.conn, nil
}

// Snapshot 返回在线客户列表的副本，按准入顺序排列
func (r *Registry) Snapshot() []PresenceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	recs := make([]*customerRecord, 0, len(r.customers))
	for _, rec := range r.customers {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })

	out := make([]PresenceEntry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, PresenceEntry{
			ID:     rec.identity.ID,
			Name:   rec.identity.Name,
			Online: true,
			Unread: rec.unread,
			ConnID: rec.conn.ID(),
		})
	}
	return out
}

// Admins 返回当前所有客服连接
func (r *Registry) Admins() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Conn, 0, len(r.admins))
	for _, rec := range r.admins {
		out = append(out, rec.conn)
	}
	return out
}

// SelectedBy 返回选中了该客户会话的客服连接，except 指定的连接除外
func (r *Registry) SelectedBy(customerID string, except string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Conn
	for connID, rec := range r.admins {
		if rec.selected == customerID && connID != except {
			out = append(out, rec.conn)
		}
	}
	return out
}

// SetSelected 记录客服连接当前选中的会话
func (r *Registry) SetSelected(adminConnID, customerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.admins[adminConnID]
	if !ok {
		return ErrNotAdmin
	}
	rec.selected = customerID
	return nil
}

// SetUnread 修改未读标记，返回是否发生变化
func (r *Registry) SetUnread(customerID string, unread bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.customers[customerID]
	if !ok || rec.unread == unread {
		return false
	}
	rec.unread = unread
	return true
}

// Identity 返回连接绑定的身份
func (r *Registry) Identity(connID string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.conns[connID]
	return id, ok
}

// Counts 在线客户数和客服连接数
func (r *Registry) Counts() (customers, admins int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.customers), len(r.admins)
}

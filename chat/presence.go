package chat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PresenceMirror 把在线列表同步到外部存储（Redis）
type PresenceMirror interface {
	WritePresence(ctx context.Context, users []PresenceEntry) error
}

// PresenceNotifier 注册表变化时向所有客服推送在线列表快照
type PresenceNotifier struct {
	mu       sync.Mutex
	registry *Registry
	mirror   PresenceMirror
	slot     chan []PresenceEntry // 只保留最新一份快照
	log      *zap.Logger
}

func NewPresenceNotifier(registry *Registry, mirror PresenceMirror, log *zap.Logger) *PresenceNotifier {
	return &PresenceNotifier{
		registry: registry,
		mirror:   mirror,
		slot:     make(chan []PresenceEntry, 1),
		log:      log,
	}
}

// Notify 取快照并推送给所有客服。快照和入队在同一把锁内，
// 保证每个客服按快照生成顺序收到。
func (n *PresenceNotifier) Notify() {
	n.mu.Lock()
	snap := n.registry.Snapshot()
	env := snapshotEnvelope(snap)
	for _, admin := range n.registry.Admins() {
		send(admin, env)
		presencePushes.Inc()
	}
	n.mu.Unlock()

	n.offer(snap)
}

// Sync 新客服连接准入后立即发送一份完整快照
func (n *PresenceNotifier) Sync(conn Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	send(conn, snapshotEnvelope(n.registry.Snapshot()))
	presencePushes.Inc()
}

// offer 用最新快照替换槽位中未写出的旧快照
func (n *PresenceNotifier) offer(snap []PresenceEntry) {
	if n.mirror == nil {
		return
	}
	for {
		select {
		case n.slot <- snap:
			return
		default:
		}
		select {
		case <-n.slot:
		default:
		}
	}
}

// RunMirror 把快照写入镜像存储，直到 ctx 结束
func (n *PresenceNotifier) RunMirror(ctx context.Context, timeout time.Duration) {
	if n.mirror == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-n.slot:
			wctx, cancel := context.WithTimeout(ctx, timeout)
			if err := n.mirror.WritePresence(wctx, snap); err != nil {
				n.log.Warn("presence mirror write failed", zap.Error(err), zap.Int("users", len(snap)))
			}
			cancel()
		}
	}
}

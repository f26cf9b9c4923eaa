package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"shophub/chat"
	"shophub/models"
)

var (
	ErrSessionNotFound = errors.New("support session not found")
	ErrInvalidStatus   = errors.New("invalid session status")
)

const lastMessageMax = 255

type ledgerOp int

const (
	opCustomerMessage ledgerOp = iota
	opAdminMessage
	opMarkRead
)

type ledgerJob struct {
	op         ledgerOp
	customerID string
	name       string
	body       string
	at         time.Time
}

// SupportSessionService 维护客服会话台账。
// 写操作按客户ID哈希到固定 worker，同一客户的更新按顺序落库。
type SupportSessionService struct {
	db     *gorm.DB
	queues []chan ledgerJob
	log    *zap.Logger
}

func NewSupportSessionService(db *gorm.DB, workers, queueSize int, log *zap.Logger) *SupportSessionService {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &SupportSessionService{db: db, log: log}
	s.queues = make([]chan ledgerJob, workers)
	for i := range s.queues {
		s.queues[i] = make(chan ledgerJob, queueSize)
	}
	return s
}

// RecordMessage 实现 chat.Ledger
func (s *SupportSessionService) RecordMessage(customer chat.Identity, msg chat.Message) {
	op := opCustomerMessage
	if msg.FromAdmin {
		op = opAdminMessage
	}
	s.enqueue(ledgerJob{op: op, customerID: customer.ID, name: customer.Name, body: msg.Body, at: msg.Timestamp})
}

// MarkRead 实现 chat.Ledger
func (s *SupportSessionService) MarkRead(customerID string) {
	s.enqueue(ledgerJob{op: opMarkRead, customerID: customerID, at: time.Now()})
}

func (s *SupportSessionService) enqueue(job ledgerJob) {
	q := s.queues[xxhash.Sum64String(job.customerID)%uint64(len(s.queues))]
	select {
	case q <- job:
	default:
		s.log.Warn("ledger queue full, update dropped", zap.String("customer", job.customerID))
	}
}

// Run 启动所有 worker，阻塞到 ctx 结束且队列排空
func (s *SupportSessionService) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, q := range s.queues {
		wg.Add(1)
		go func(q chan ledgerJob) {
			defer wg.Done()
			s.work(ctx, q)
		}(q)
	}
	wg.Wait()
}

func (s *SupportSessionService) work(ctx context.Context, q chan ledgerJob) {
	for {
		select {
		case job := <-q:
			s.applyLogged(job)
		case <-ctx.Done():
			for {
				select {
				case job := <-q:
					s.applyLogged(job)
				default:
					return
				}
			}
		}
	}
}

func (s *SupportSessionService) applyLogged(job ledgerJob) {
	if err := s.apply(job); err != nil {
		s.log.Error("ledger update failed", zap.String("customer", job.customerID), zap.Error(err))
	}
}

func (s *SupportSessionService) apply(job ledgerJob) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var session models.CustomerSession
		err := tx.Where("customer_id = ?", job.customerID).First(&session).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if job.op == opMarkRead {
				return nil
			}
			session = models.CustomerSession{CustomerID: job.customerID, Status: models.SessionPending}
		} else if err != nil {
			return err
		}

		if job.name != "" {
			session.Name = job.name
		}
		switch job.op {
		case opCustomerMessage:
			session.LastMessage = truncate(job.body, lastMessageMax)
			session.UnreadCount++
			if session.Status == models.SessionClosed {
				session.Status = models.SessionPending
			}
		case opAdminMessage:
			session.LastMessage = truncate(job.body, lastMessageMax)
			session.UnreadCount = 0
			session.Status = models.SessionActive
		case opMarkRead:
			session.UnreadCount = 0
		}
		return tx.Save(&session).Error
	})
}

// List 按最近更新时间倒序列出会话，status 为空时返回全部
func (s *SupportSessionService) List(status string) ([]models.CustomerSession, error) {
	if status != "" && !models.ValidSessionStatus(status) {
		return nil, ErrInvalidStatus
	}
	var sessions []models.CustomerSession
	query := s.db.Order("updated_at DESC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *SupportSessionService) Get(customerID string) (*models.CustomerSession, error) {
	var session models.CustomerSession
	if err := s.db.Where("customer_id = ?", customerID).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &session, nil
}

// UpdateStatus 客服手动修改会话状态
func (s *SupportSessionService) UpdateStatus(customerID, status string) (*models.CustomerSession, error) {
	if !models.ValidSessionStatus(status) {
		return nil, ErrInvalidStatus
	}
	var session models.CustomerSession
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("customer_id = ?", customerID).First(&session).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		session.Status = status
		return tx.Save(&session).Error
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

package message

import (
	"context"
	"strings"
	"time"

	"PPChat/logger"
	"PPChat/service/storage"
	"PPChat/tools/errs"
	"PPChat/tools/ids"
	"PPChat/tools/safe"
	"PPChat/tools/security"

	"go.uber.org/zap"
)

const MaxBodyBytes = 16 << 10

// Service 持久层边界上的加解密：写之前加密，读之后解密
type Service struct {
	cipher *security.Cipher
	keys   storage.KeyRing
	sink   Sink
	store  Store
	now    func() time.Time
}

func NewService(c *security.Cipher, keys storage.KeyRing, sink Sink, store Store) *Service {
	safe.MustNotNil(c, "cipher")
	safe.MustNotNil(keys, "keyring")
	safe.MustNotNil(sink, "sink")
	return &Service{cipher: c, keys: keys, sink: sink, store: store, now: time.Now}
}

// Seal 校验并加密一条消息，生成待落库记录
func (s *Service) Seal(ctx context.Context, threadID, senderID, clientMsgID, body string) (*Record, error) {
	if strings.TrimSpace(threadID) == "" || senderID == "" {
		return nil, errs.ErrValidation.WrapMsg("thread and sender are required")
	}
	if body == "" {
		return nil, errs.ErrValidation.WrapMsg("empty message body")
	}
	if len(body) > MaxBodyBytes {
		return nil, errs.ErrValidation.WrapMsg("message body too large", "len", len(body), "max", MaxBodyBytes)
	}
	key, err := s.keys.ThreadKey(ctx, threadID)
	if err != nil {
		return nil, err
	}
	p, err := s.cipher.Encrypt([]byte(body), key)
	if err != nil {
		return nil, err
	}
	return &Record{
		ID:          ids.GenerateString(),
		ThreadID:    threadID,
		SenderID:    senderID,
		ClientMsgID: clientMsgID,
		Payload:     *p,
		CreatedAt:   s.now().UTC(),
	}, nil
}

func (s *Service) Persist(ctx context.Context, r *Record) error {
	if err := s.sink.Persist(ctx, r); err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("persist message", "id", r.ID, "err", err)
	}
	return nil
}

// Open 解密单条记录
func (s *Service) Open(ctx context.Context, r *Record) (*Plain, error) {
	key, err := s.keys.ThreadKey(ctx, r.ThreadID)
	if err != nil {
		return nil, err
	}
	p := &Plain{
		ID:          r.ID,
		ThreadID:    r.ThreadID,
		SenderID:    r.SenderID,
		ClientMsgID: r.ClientMsgID,
		CreatedAt:   r.CreatedAt,
	}
	body, err := s.cipher.Decrypt(&r.Payload, key)
	if err != nil {
		return p, err
	}
	p.Body = string(body)
	return p, nil
}

// History 读取最近消息；无法通过校验的记录以 Unavailable 返回，绝不降级为明文
func (s *Service) History(ctx context.Context, threadID string, limit int) ([]*Plain, error) {
	if s.store == nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("history store not configured")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	recs, err := s.store.Recent(ctx, threadID, limit)
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("load history", "thread", threadID, "err", err)
	}
	out := make([]*Plain, 0, len(recs))
	for _, r := range recs {
		p, err := s.Open(ctx, r)
		if err != nil {
			if !errs.ErrIntegrity.Is(err) {
				return nil, err
			}
			logger.Warn("message failed integrity check",
				zap.String("thread", r.ThreadID), zap.String("id", r.ID), zap.Error(err))
			p.Body = ""
			p.Unavailable = true
		}
		out = append(out, p)
	}
	return out, nil
}

package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"PPChat/module/message"
	"PPChat/tools/errs"
	"PPChat/tools/security"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() *message.Record {
	return &message.Record{
		ID:        "1001",
		ThreadID:  "42",
		SenderID:  "alice",
		Payload:   security.EncryptedPayload{Ciphertext: []byte{1, 2, 3}, IV: make([]byte, 12), Salt: make([]byte, 16)},
		CreatedAt: time.Unix(1_700_000_000, 0).UTC(),
	}
}

func TestBuildBaseConfig(t *testing.T) {
	cfg := BuildBaseConfig(Config{Compression: "lz4", InitialOffset: "oldest"})
	assert.Equal(t, sarama.CompressionLZ4, cfg.Producer.Compression)
	assert.Equal(t, sarama.OffsetOldest, cfg.Consumer.Offsets.Initial)
	assert.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
	assert.Equal(t, 1, cfg.Producer.Retry.Max)
	assert.Equal(t, sarama.V2_1_0_0, cfg.Version)
	require.NoError(t, cfg.Validate())
}

func TestProducerPersist(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	mp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var r message.Record
		if err := json.Unmarshal(val, &r); err != nil {
			return err
		}
		if r.ID != "1001" || r.ThreadID != "42" {
			return errors.New("unexpected record")
		}
		return nil
	})
	mp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewProducerFrom(mp, "ppchat.messages")
	require.NoError(t, p.Persist(context.Background(), sampleRecord()))
	err := p.Persist(context.Background(), sampleRecord())
	assert.True(t, errs.ErrStoreUnavailable.Is(err))
	require.NoError(t, p.Close())
}

func TestRecordHandler(t *testing.T) {
	store := message.NewMemStore()
	h := RecordHandler(store)
	ctx := context.Background()

	b, _ := json.Marshal(sampleRecord())
	require.NoError(t, h(ctx, "t", nil, b))
	require.NoError(t, h(ctx, "t", nil, b))
	got, _ := store.Recent(ctx, "42", 10)
	require.Len(t, got, 1)
	assert.Equal(t, []byte{1, 2, 3}, got[0].Payload.Ciphertext)

	assert.True(t, errs.ErrValidation.Is(h(ctx, "t", nil, []byte("{"))))
	assert.True(t, errs.ErrValidation.Is(h(ctx, "t", nil, []byte(`{"id":""}`))))
}

// 只实现用到的方法，其余走内嵌接口
type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }
func (s *fakeSession) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, m.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	ch chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

func TestConsumeClaimRetriesThenMarks(t *testing.T) {
	r := NewRouter()
	attempts := map[int64]int{}
	r.RegisterHandler("ppchat.messages", func(_ context.Context, _ string, _, value []byte) error {
		off := int64(value[0])
		attempts[off]++
		switch off {
		case 1:
			if attempts[off] < 3 {
				return errors.New("db busy")
			}
		case 2:
			return errs.ErrValidation.WrapMsg("poison")
		}
		return nil
	})

	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 5)}
	for _, off := range []int64{0, 1, 2, 3} {
		claim.ch <- &sarama.ConsumerMessage{Topic: "ppchat.messages", Offset: off, Value: []byte{byte(off)}}
	}
	claim.ch <- &sarama.ConsumerMessage{Topic: "unknown", Offset: 4}
	close(claim.ch)

	sess := &fakeSession{ctx: context.Background()}
	h := NewConsumerGroupHandler(r, 5*time.Second)
	require.NoError(t, h.ConsumeClaim(sess, claim))

	assert.Equal(t, []int64{0, 1, 2, 3, 4}, sess.marked)
	assert.Equal(t, 3, attempts[1])
	assert.Equal(t, 1, attempts[2])
}

func TestConsumeClaimKeepsOffsetOnStoreOutage(t *testing.T) {
	r := NewRouter()
	attempts := map[int64]int{}
	r.RegisterHandler("t", func(_ context.Context, _ string, _, value []byte) error {
		off := int64(value[0])
		attempts[off]++
		if off == 1 {
			return errs.ErrStoreUnavailable.WrapMsg("db down")
		}
		return nil
	})

	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 3)}
	for _, off := range []int64{0, 1, 2} {
		claim.ch <- &sarama.ConsumerMessage{Topic: "t", Offset: off, Value: []byte{byte(off)}}
	}
	close(claim.ch)

	sess := &fakeSession{ctx: context.Background()}
	err := NewConsumerGroupHandler(r, 500*time.Millisecond).ConsumeClaim(sess, claim)
	assert.True(t, errs.ErrStoreUnavailable.Is(err))
	// 只提交故障前的 offset，后面的消息不越过失败的那条
	assert.Equal(t, []int64{0}, sess.marked)
	assert.Greater(t, attempts[1], 1)
	assert.Zero(t, attempts[2])
}

func TestConsumeClaimStopsOnCancel(t *testing.T) {
	r := NewRouter()
	r.RegisterHandler("t", func(context.Context, string, []byte, []byte) error { return errors.New("down") })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 1)}
	claim.ch <- &sarama.ConsumerMessage{Topic: "t", Offset: 7}
	close(claim.ch)
	sess := &fakeSession{ctx: ctx}
	require.NoError(t, NewConsumerGroupHandler(r, time.Second).ConsumeClaim(sess, claim))
	assert.Empty(t, sess.marked)
}

func TestRouter(t *testing.T) {
	r := NewRouter()
	_, err := r.GetHandler("x")
	assert.True(t, errs.ErrNotFound.Is(err))
	r.RegisterHandler("x", func(context.Context, string, []byte, []byte) error { return nil })
	assert.Equal(t, []string{"x"}, r.Topics())
}

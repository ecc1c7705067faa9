package offline

import (
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	"PPChat/tools/errs"

	"go.etcd.io/bbolt"
)

var (
	bucketEntries = []byte("entries") // 8 字节大端 seq -> Entry JSON
	bucketDedupe  = []byte("dedupe")  // dedupeKey -> 8 字节 seq
	bucketDead    = []byte("dead")    // 8 字节大端 seq -> Entry JSON
)

// Queue 基于 bbolt 的持久化离线队列。每次写事务提交都会 fsync，Enqueue 返回即已落盘。
type Queue struct {
	db          *bbolt.DB
	now         func() time.Time
	maxAttempts int
	noSync      bool

	drainMu sync.Mutex // 同一时刻只允许一个 drain
}

type QueueOption func(*Queue)

// WithNow 测试用时钟
func WithNow(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// WithMaxAttempts 超过次数的条目进入死信
func WithMaxAttempts(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithNoSync 关闭 fsync，仅用于基准测试
func WithNoSync(noSync bool) QueueOption {
	return func(q *Queue) { q.noSync = noSync }
}

func Open(path string, opts ...QueueOption) (*Queue, error) {
	q := &Queue{now: time.Now, maxAttempts: 8}
	for _, o := range opts {
		o(q)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: time.Second,
		NoSync:  q.noSync,
	})
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("open offline queue", "path", path, "err", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketEntries, bucketDedupe, bucketDead} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errs.WrapMsg(err, "create offline buckets")
	}
	q.db = db
	return q, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

func seqKey(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

// Enqueue 持久化一个动作并返回条目 id。去重键已存在时返回已有条目的 id，不重复入队。
func (q *Queue) Enqueue(a Action) (uint64, error) {
	if err := a.validate(); err != nil {
		return 0, err
	}
	key := a.Key()
	var id uint64
	err := q.db.Update(func(tx *bbolt.Tx) error {
		dd := tx.Bucket(bucketDedupe)
		if v := dd.Get([]byte(key)); v != nil {
			id = binary.BigEndian.Uint64(v)
			return nil
		}
		eb := tx.Bucket(bucketEntries)
		seq, err := eb.NextSequence()
		if err != nil {
			return err
		}
		id = seq
		raw, err := json.Marshal(Entry{
			ID:         seq,
			Action:     a,
			DedupeKey:  key,
			EnqueuedAt: q.now(),
		})
		if err != nil {
			return err
		}
		if err := eb.Put(seqKey(seq), raw); err != nil {
			return err
		}
		return dd.Put([]byte(key), seqKey(seq))
	})
	if err != nil {
		return 0, errs.ErrStoreUnavailable.WrapMsg("enqueue", "kind", a.Kind, "err", err)
	}
	return id, nil
}

// Pending 按入队顺序返回全部待发条目
func (q *Queue) Pending() ([]Entry, error) {
	return q.list(bucketEntries)
}

// Dead 死信条目
func (q *Queue) Dead() ([]Entry, error) {
	return q.list(bucketDead)
}

func (q *Queue) list(bucket []byte) ([]Entry, error) {
	var out []Entry
	err := q.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("list offline entries", "bucket", string(bucket), "err", err)
	}
	return out, nil
}

// Len 待发条目数
func (q *Queue) Len() int {
	n := 0
	_ = q.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketEntries).Stats().KeyN
		return nil
	})
	return n
}

// HasPending 该会话是否还有未发出的条目
func (q *Queue) HasPending(threadID string) (bool, error) {
	pending, err := q.Pending()
	if err != nil {
		return false, err
	}
	for _, e := range pending {
		if e.Action.ThreadID == threadID {
			return true, nil
		}
	}
	return false, nil
}

// Ack 发送成功后删除条目与去重键
func (q *Queue) Ack(id uint64) error {
	return q.update(func(tx *bbolt.Tx) error {
		eb := tx.Bucket(bucketEntries)
		e, err := getEntry(eb, id)
		if err != nil || e == nil {
			return err
		}
		if err := tx.Bucket(bucketDedupe).Delete([]byte(e.DedupeKey)); err != nil {
			return err
		}
		return eb.Delete(seqKey(id))
	})
}

// markAttempt 记录一次失败，返回更新后的条目
func (q *Queue) markAttempt(id uint64, cause error) (*Entry, error) {
	var out *Entry
	err := q.update(func(tx *bbolt.Tx) error {
		eb := tx.Bucket(bucketEntries)
		e, err := getEntry(eb, id)
		if err != nil || e == nil {
			return err
		}
		e.Attempts++
		if cause != nil {
			e.LastError = cause.Error()
		}
		out = e
		return putEntry(eb, e)
	})
	return out, err
}

// deadLetter 移入死信桶；去重键保留在死信里，同内容不会再次入队
func (q *Queue) deadLetter(id uint64, cause error) error {
	return q.update(func(tx *bbolt.Tx) error {
		eb := tx.Bucket(bucketEntries)
		e, err := getEntry(eb, id)
		if err != nil || e == nil {
			return err
		}
		if cause != nil {
			e.LastError = cause.Error()
		}
		if err := putEntry(tx.Bucket(bucketDead), e); err != nil {
			return err
		}
		return eb.Delete(seqKey(id))
	})
}

func (q *Queue) update(fn func(tx *bbolt.Tx) error) error {
	if err := q.db.Update(fn); err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("offline queue update", "err", err)
	}
	return nil
}

func getEntry(b *bbolt.Bucket, id uint64) (*Entry, error) {
	v := b.Get(seqKey(id))
	if v == nil {
		return nil, nil
	}
	var e Entry
	if err := json.Unmarshal(v, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func putEntry(b *bbolt.Bucket, e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.Put(seqKey(e.ID), raw)
}

// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package warmboot keeps the hysteresis profile indices programmed into
// admission registers so that they can be checked against the restored
// profile tables after a hitless restart.
package warmboot

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/garyburd/redigo/redis"
	"github.com/satori/go.uuid"
)

const Timeout = 500 * time.Millisecond

// Field of the hash holding the id of the session that wrote it.
const sessionField = "session"

var ErrBadRecord = errors.New("warmboot: malformed record")

// Record is one profile index embedded in a programmed entry.
type Record struct {
	// Allocator name: "wac" or "qac".
	Dir   string
	Pipe  int
	Port  int
	Entry int
	// Requested hysteresis in cells.
	Cells uint32
	Index int
}

func (r *Record) Key() string {
	return fmt.Sprintf("%s.%d.%d.%d", r.Dir, r.Pipe, r.Port, r.Entry)
}

func (r *Record) value() string { return fmt.Sprintf("%d %d", r.Cells, r.Index) }

func parse(k, v string) (r Record, err error) {
	f := strings.Split(k, ".")
	if len(f) != 4 {
		return r, fmt.Errorf("%w: key %q", ErrBadRecord, k)
	}
	r.Dir = f[0]
	if _, err = fmt.Sscanf(strings.Join(f[1:], " "), "%d %d %d", &r.Pipe, &r.Port, &r.Entry); err != nil {
		return r, fmt.Errorf("%w: key %q: %v", ErrBadRecord, k, err)
	}
	if _, err = fmt.Sscanf(v, "%d %d", &r.Cells, &r.Index); err != nil {
		return r, fmt.Errorf("%w: %s value %q: %v", ErrBadRecord, k, v, err)
	}
	return
}

func sortRecords(rs []Record) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Key() < rs[j].Key() })
}

type Store interface {
	// Begin discards records of a previous cold boot and starts a session.
	Begin() error
	Record(r Record) error
	// Records are sorted by key.
	Records() ([]Record, error)
}

type MemoryStore struct {
	mu sync.Mutex
	m  map[string]Record
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{m: make(map[string]Record)} }

func (s *MemoryStore) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = make(map[string]Record)
	return nil
}

func (s *MemoryStore) Record(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[r.Key()] = r
	return nil
}

func (s *MemoryStore) Records() (rs []Record, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.m {
		rs = append(rs, r)
	}
	sortRecords(rs)
	return
}

// RedisStore keeps records in one redis hash.  A connection is dialed per
// operation.
type RedisStore struct {
	Hash string
	dial func() (redis.Conn, error)
}

func NewRedisStore(hash string, dial func() (redis.Conn, error)) *RedisStore {
	return &RedisStore{Hash: hash, dial: dial}
}

// Dial returns a dialer for a redis server at addr.
func Dial(network, addr string) func() (redis.Conn, error) {
	return func() (redis.Conn, error) {
		return redis.Dial(network, addr,
			redis.DialConnectTimeout(Timeout),
			redis.DialReadTimeout(Timeout),
			redis.DialWriteTimeout(Timeout))
	}
}

func (s *RedisStore) do(cmd string, args ...interface{}) (interface{}, error) {
	conn, err := s.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.Do(cmd, args...)
}

func (s *RedisStore) Begin() error {
	if _, err := s.do("DEL", s.Hash); err != nil {
		return err
	}
	_, err := s.do("HSET", s.Hash, sessionField, uuid.NewV4().String())
	return err
}

// Session is the id stamped by the Begin that created the records.
func (s *RedisStore) Session() (string, error) {
	return redis.String(s.do("HGET", s.Hash, sessionField))
}

func (s *RedisStore) Record(r Record) error {
	_, err := s.do("HSET", s.Hash, r.Key(), r.value())
	return err
}

func (s *RedisStore) Records() (rs []Record, err error) {
	m, err := redis.StringMap(s.do("HGETALL", s.Hash))
	if err != nil {
		return
	}
	for k, v := range m {
		if k == sessionField {
			continue
		}
		r, err := parse(k, v)
		if err != nil {
			return nil, err
		}
		rs = append(rs, r)
	}
	sortRecords(rs)
	return
}

package broker

import "sync"

// kmutex is a keyed mutex that locks and unlocks a given key. The broker
// uses it to serialize in-process NOTIFY handling per txid, in front of
// the database row lock.
type kmutex struct {
	m *sync.Map
}

// newKmutex is the kmutex constructor.
func newKmutex() kmutex {
	m := sync.Map{}
	return kmutex{&m}
}

// Unlock will unlock the mutex for the given key and delete
// the key from the map.
func (s kmutex) Unlock(key string) {
	l, exist := s.m.Load(key)
	if !exist {
		panic("kmutex: unlock of unlocked mutex")
	}
	l_ := l.(*sync.Mutex)
	s.m.Delete(key)
	l_.Unlock()
}

// Lock will lock the mutex for the given key.
func (s kmutex) Lock(key string) {
	m := sync.Mutex{}
	m_, _ := s.m.LoadOrStore(key, &m)
	mm := m_.(*sync.Mutex)
	mm.Lock()
	if mm != &m {
		mm.Unlock()
		s.Lock(key)
		return
	}
}

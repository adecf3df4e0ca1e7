package utils

import "sync"

// A mutex per string key. Processing of the same provider message id has
// to be serialized across workers, everything else runs concurrently.
type KeyedMutex struct {
	lock    sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	mutex sync.Mutex
	holds int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{
		entries: make(map[string]*keyedEntry),
	}
}

// Lock blocks until the key is held and returns the unlock function.
// Entries clean up after themselves once the last holder releases.
func (k *KeyedMutex) Lock(key string) func() {
	k.lock.Lock()
	entry, ok := k.entries[key]
	if !ok {
		entry = &keyedEntry{}
		k.entries[key] = entry
	}
	entry.holds++
	k.lock.Unlock()

	entry.mutex.Lock()

	return func() {
		entry.mutex.Unlock()

		k.lock.Lock()
		entry.holds--
		if entry.holds == 0 {
			delete(k.entries, key)
		}
		k.lock.Unlock()
	}
}

// TryLock attempts to take the key without blocking. It returns the
// unlock function and a flag indicating if the lock was taken. The
// sweeper uses it for per subscription mutual exclusion.
func (k *KeyedMutex) TryLock(key string) (func(), bool) {
	k.lock.Lock()
	entry, ok := k.entries[key]
	if !ok {
		entry = &keyedEntry{}
		k.entries[key] = entry
	}
	entry.holds++
	k.lock.Unlock()

	if !entry.mutex.TryLock() {
		k.lock.Lock()
		entry.holds--
		if entry.holds == 0 {
			delete(k.entries, key)
		}
		k.lock.Unlock()
		return nil, false
	}

	return func() {
		entry.mutex.Unlock()

		k.lock.Lock()
		entry.holds--
		if entry.holds == 0 {
			delete(k.entries, key)
		}
		k.lock.Unlock()
	}, true
}

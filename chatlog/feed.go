package chatlog

import "sync"

const feedBuffer = 64

// Feed fans formatted log entries out to subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the entry.
type Feed struct {
	mu     sync.RWMutex
	subs   map[int]chan string
	nextID int
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[int]chan string)}
}

// Subscribe returns a channel of entries and a function that ends the
// subscription and closes the channel.
func (f *Feed) Subscribe() (<-chan string, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	ch := make(chan string, feedBuffer)
	f.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (f *Feed) Publish(entry string) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, ch := range f.subs {
		select {
		case ch <- entry:
		default:
		}
	}
}

func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

package iclientpkg

// Progress is pushed to a caller-supplied Observer after each
// successful chunk (spec §4.6 step 6).
type Progress struct {
	BytesTotal     uint64
	BytesCompleted uint64
}

// Observer receives progress updates during Upload/Download. A nil
// Observer is valid and simply means no one is watching.
type Observer interface {
	OnProgress(Progress)
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(Progress)

func (f ObserverFunc) OnProgress(p Progress) { f(p) }

func notify(o Observer, p Progress) {
	if o != nil {
		o.OnProgress(p)
	}
}

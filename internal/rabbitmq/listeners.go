package rabbitmq

// ConnectionListener receives ConnectionManager lifecycle events. Callbacks run
// synchronously on the manager's connection loop, in emission order, so they
// must not block.
type ConnectionListener interface {
	OnConnect(conn Connection)
	OnDisconnect(err error)
	OnError(err error)
	OnReconnect(attempt int)
	OnBlocked(reason string)
	OnUnblocked()
}

// ListenerFuncs adapts plain functions to a ConnectionListener. Nil fields are
// skipped.
type ListenerFuncs struct {
	Connect    func(conn Connection)
	Disconnect func(err error)
	Error      func(err error)
	Reconnect  func(attempt int)
	Blocked    func(reason string)
	Unblocked  func()
}

func (l *ListenerFuncs) OnConnect(conn Connection) {
	if l.Connect != nil {
		l.Connect(conn)
	}
}

func (l *ListenerFuncs) OnDisconnect(err error) {
	if l.Disconnect != nil {
		l.Disconnect(err)
	}
}

func (l *ListenerFuncs) OnError(err error) {
	if l.Error != nil {
		l.Error(err)
	}
}

func (l *ListenerFuncs) OnReconnect(attempt int) {
	if l.Reconnect != nil {
		l.Reconnect(attempt)
	}
}

func (l *ListenerFuncs) OnBlocked(reason string) {
	if l.Blocked != nil {
		l.Blocked(reason)
	}
}

func (l *ListenerFuncs) OnUnblocked() {
	if l.Unblocked != nil {
		l.Unblocked()
	}
}

// ChannelListener receives ChannelWrapper events.
type ChannelListener interface {
	// OnCreate fires once a new channel has finished every setup function.
	// It must not call the wrapper's Close.
	OnCreate()
	OnError(err error)
	// OnClose fires once, when the wrapper is closed for good.
	OnClose()
}

// ChannelListenerFuncs adapts plain functions to a ChannelListener.
type ChannelListenerFuncs struct {
	Create func()
	Error  func(err error)
	Close  func()
}

func (l *ChannelListenerFuncs) OnCreate() {
	if l.Create != nil {
		l.Create()
	}
}

func (l *ChannelListenerFuncs) OnError(err error) {
	if l.Error != nil {
		l.Error(err)
	}
}

func (l *ChannelListenerFuncs) OnClose() {
	if l.Close != nil {
		l.Close()
	}
}

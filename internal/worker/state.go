package worker

// State 是 worker 的生命周期阶段。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

func (s State) String() string {
	return string(s)
}

// Controlling 表示该阶段是否处理 fetch/push 等功能事件。
func (s State) Controlling() bool {
	return s == StateActivated
}

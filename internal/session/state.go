package session

import (
	"fmt"
	"sync"

	apperrors "github.com/wfunc/uart-probe/internal/errors"
	"go.uber.org/zap"
)

// State 编排器状态
type State string

const (
	StateIdle               State = "idle"                // 待机，等待选择模式
	StateRunningSequence    State = "running_sequence"    // 序列测试中
	StateRunningInteractive State = "running_interactive" // 交互测试中
	StateRunningContinuous  State = "running_continuous"  // 连续测试中
	StateTerminated         State = "terminated"          // 已退出
)

// 状态机事件
const (
	eventStartSequence    = "start_sequence"
	eventStartInteractive = "start_interactive"
	eventStartContinuous  = "start_continuous"
	eventFinish           = "finish"
	eventTerminate        = "terminate"
)

// transition 状态转换定义
type transition struct {
	From  State
	Event string
	To    State
}

// stateMachine 编排器顶层状态机
type stateMachine struct {
	mu          sync.RWMutex
	current     State
	transitions map[string]State
	logger      *zap.Logger
}

// newStateMachine 创建状态机
func newStateMachine(logger *zap.Logger) *stateMachine {
	sm := &stateMachine{
		current:     StateIdle,
		transitions: make(map[string]State),
		logger:      logger,
	}
	sm.initTransitions()
	return sm
}

// initTransitions 初始化状态转换规则
func (sm *stateMachine) initTransitions() {
	running := map[string]State{
		eventStartSequence:    StateRunningSequence,
		eventStartInteractive: StateRunningInteractive,
		eventStartContinuous:  StateRunningContinuous,
	}

	for event, to := range running {
		// 待机 -> 运行
		sm.addTransition(transition{From: StateIdle, Event: event, To: to})
		// 运行 -> 待机（完成或取消）
		sm.addTransition(transition{From: to, Event: eventFinish, To: StateIdle})
		// 运行 -> 退出
		sm.addTransition(transition{From: to, Event: eventTerminate, To: StateTerminated})
	}

	sm.addTransition(transition{From: StateIdle, Event: eventTerminate, To: StateTerminated})
}

// addTransition 添加状态转换
func (sm *stateMachine) addTransition(t transition) {
	sm.transitions[transitionKey(t.From, t.Event)] = t.To
}

// transitionKey 生成转换键
func transitionKey(state State, event string) string {
	return fmt.Sprintf("%s:%s", state, event)
}

// trigger 触发事件，返回新状态
func (sm *stateMachine) trigger(event string) (State, error) {
	sm.mu.Lock()
	from := sm.current
	to, ok := sm.transitions[transitionKey(from, event)]
	if !ok {
		sm.mu.Unlock()
		return from, apperrors.Newf(apperrors.ErrInvalidState, "state=%s event=%s", from, event)
	}
	sm.current = to
	sm.mu.Unlock()

	sm.logger.Info("状态转换",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("event", event))

	return to, nil
}

// state 当前状态
func (sm *stateMachine) state() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// canTrigger 检查当前状态下事件是否有效
func (sm *stateMachine) canTrigger(event string) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	_, ok := sm.transitions[transitionKey(sm.current, event)]
	return ok
}

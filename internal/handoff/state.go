// Package handoff обрабатывает ссылку-приглашение: показ приглашения,
// переход на вход или на другой челлендж, либо тихий отказ.
package handoff

// State состояние координатора
type State string

const (
	StateIdle                   State = "idle"
	StateBooting                State = "booting"
	StateResolving              State = "resolving"
	StateShowing                State = "showing"
	StateRedirectingToLogin     State = "redirecting-to-login"
	StateRedirectingToChallenge State = "redirecting-to-other-challenge"
	StateDone                   State = "done"
)

// Blocking сообщает, блокирует ли состояние интерфейс
func (s State) Blocking() bool {
	return s == StateBooting || s == StateResolving
}

// Event событие, переводящее координатор в другое состояние
type Event string

const (
	EventToken          Event = "token"
	EventNoIdentity     Event = "no_identity"
	EventIdentified     Event = "identified"
	EventIgnored        Event = "ignored"
	EventOtherChallenge Event = "other_challenge"
	EventShow           Event = "show"
	EventRedirected     Event = "redirected"
	EventDismiss        Event = "dismiss"
	EventFailsafe       Event = "failsafe"
)

type transition struct {
	from  State
	event Event
}

var transitions = map[transition]State{
	{StateIdle, EventToken}:    StateBooting,
	{StateDone, EventToken}:    StateBooting,
	{StateShowing, EventToken}: StateBooting,

	{StateBooting, EventFailsafe}:   StateIdle,
	{StateResolving, EventFailsafe}: StateIdle,

	{StateBooting, EventNoIdentity}: StateRedirectingToLogin,
	{StateBooting, EventIdentified}: StateResolving,

	{StateResolving, EventIgnored}:        StateIdle,
	{StateResolving, EventOtherChallenge}: StateRedirectingToChallenge,
	{StateResolving, EventShow}:           StateShowing,

	// поздний результат после срабатывания страховочного таймера
	{StateIdle, EventIgnored}:        StateIdle,
	{StateIdle, EventOtherChallenge}: StateRedirectingToChallenge,
	{StateIdle, EventShow}:           StateShowing,

	{StateRedirectingToLogin, EventRedirected}:     StateDone,
	{StateRedirectingToChallenge, EventRedirected}: StateDone,
	{StateShowing, EventDismiss}:                   StateDone,
}

// Next возвращает состояние после события. false, если переход недопустим.
func Next(from State, event Event) (State, bool) {
	to, ok := transitions[transition{from, event}]
	return to, ok
}

// UIBlockingState признак блокировки интерфейса, которым владеет координатор
type UIBlockingState struct {
	Blocked bool  `json:"blocked"`
	State   State `json:"state"`
}

package engine

import (
	"fmt"
)

//DispatchStatus classifies the result of feeding one external event to a chain
type DispatchStatus int

const (
	//PassEnded means the chain is still active and waits for the next external event
	PassEnded DispatchStatus = iota
	//ChainDone means the chain is terminal; the stepper must activate the next chain
	ChainDone
	//RunAborted means a handler requested termination of the whole run
	RunAborted
)

//DispatchResult is the outcome of one dispatch pass. Event is the pending event
//after the pass, i.e. the halted state the victim is currently in.
type DispatchResult struct {
	Status DispatchStatus
	Event  Event
	//AbortReason and AbortedBy are only valid for RunAborted
	AbortReason string
	AbortedBy   string
}

//Chain is an ordered handler sequence executed for one attack phase. The cursor
//tracks which handler the next external event is fed to first: it advances on
//ActionNext, is reset to 0 by ActionSkip and becomes meaningless once the chain
//is terminal. A terminal chain must never be dispatched to again.
type Chain struct {
	name     string
	handlers []Handler
	cursor   int
	terminal bool
}

func NewChain(name string, handlers ...Handler) *Chain {
	return &Chain{name: name, handlers: handlers}
}

func (c *Chain) Name() string {
	return c.name
}

//Terminal returns true once the chain has completed. Termination is permanent.
func (c *Chain) Terminal() bool {
	return c.terminal
}

//completeIfEmpty marks a handler-less chain terminal. Called by the stepper upon
//activation, so that empty chains complete without consuming an event.
func (c *Chain) completeIfEmpty() bool {
	if len(c.handlers) == 0 {
		c.terminal = true
	}
	return c.terminal
}

//Dispatch feeds one external event through the chain, starting at the cursor.
//The pass runs handler by handler as long as filters return ActionNext. A
//consuming handler ends the pass: its returned event is the pass result and no
//further handler sees it until the next external event arrives. Handler errors
//are fatal and returned verbatim apart from naming the handler.
func (c *Chain) Dispatch(ev Event, drv Driver, ctx *Context) (DispatchResult, error) {
	if c.terminal {
		return DispatchResult{}, engineFaultf("dispatch on terminal chain %q", c.name)
	}
	if len(c.handlers) == 0 {
		return DispatchResult{}, engineFaultf("dispatch on empty chain %q, should have completed at activation", c.name)
	}
	if ev == nil {
		return DispatchResult{}, engineFaultf("chain %q dispatched with nil event", c.name)
	}

	for {
		if c.cursor < 0 || c.cursor >= len(c.handlers) {
			return DispatchResult{}, engineFaultf("chain %q cursor %v out of range [0,%v)", c.name, c.cursor, len(c.handlers))
		}
		handler := c.handlers[c.cursor]

		out, err := handler.Process(ev, drv, ctx)
		if err != nil {
			return DispatchResult{}, fmt.Errorf("chain %q handler %q failed : %w", c.name, handler.Name(), err)
		}
		if out.Event == nil {
			return DispatchResult{}, engineFaultf("chain %q handler %q returned no pending event", c.name, handler.Name())
		}

		switch out.Action {
		case ActionNext:
			ev = out.Event
			c.cursor++
			if c.cursor == len(c.handlers) {
				//ran off the end of the chain, same as an explicit ActionChainComplete
				c.terminal = true
				return DispatchResult{Status: ChainDone, Event: ev}, nil
			}
			if out.Consumed {
				return DispatchResult{Status: PassEnded, Event: ev}, nil
			}
		case ActionSkip:
			c.cursor = 0
			return DispatchResult{Status: PassEnded, Event: out.Event}, nil
		case ActionChainComplete:
			c.terminal = true
			return DispatchResult{Status: ChainDone, Event: out.Event}, nil
		case ActionAbort:
			return DispatchResult{
				Status:      RunAborted,
				Event:       out.Event,
				AbortReason: out.AbortReason,
				AbortedBy:   handler.Name(),
			}, nil
		default:
			return DispatchResult{}, engineFaultf("chain %q handler %q returned unknown action %v", c.name, handler.Name(), int(out.Action))
		}
	}
}

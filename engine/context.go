package engine

//Context carries facts (addresses, counters, raw memory) between handlers and
//chains of one attack run. It is owned by the Stepper and handed to exactly one
//handler at a time. Once a key has been written, all later writes and reads of
//that key must use the same value kind; a mismatch is an *EngineFault.

type valueKind int

const (
	kindUint64 valueKind = iota
	kindBytes
	kindString
)

func (k valueKind) String() string {
	switch k {
	case kindUint64:
		return "uint64"
	case kindBytes:
		return "bytes"
	case kindString:
		return "string"
	default:
		return "invalid"
	}
}

type ctxEntry struct {
	kind valueKind
	u64  uint64
	b    []byte
	s    string
}

type Context struct {
	entries map[string]ctxEntry
}

func NewContext() *Context {
	return &Context{entries: make(map[string]ctxEntry)}
}

func (c *Context) checkKind(key string, want valueKind) error {
	if old, ok := c.entries[key]; ok && old.kind != want {
		return engineFaultf("context key %q holds %v, accessed as %v", key, old.kind, want)
	}
	return nil
}

//Has returns true if key has been written during this run
func (c *Context) Has(key string) bool {
	_, ok := c.entries[key]
	return ok
}

func (c *Context) PutUint64(key string, v uint64) error {
	if err := c.checkKind(key, kindUint64); err != nil {
		return err
	}
	c.entries[key] = ctxEntry{kind: kindUint64, u64: v}
	return nil
}

func (c *Context) Uint64(key string) (uint64, error) {
	e, ok := c.entries[key]
	if !ok {
		return 0, engineFaultf("context key %q not present", key)
	}
	if e.kind != kindUint64 {
		return 0, engineFaultf("context key %q holds %v, accessed as %v", key, e.kind, kindUint64)
	}
	return e.u64, nil
}

func (c *Context) PutBytes(key string, v []byte) error {
	if err := c.checkKind(key, kindBytes); err != nil {
		return err
	}
	buf := make([]byte, len(v))
	copy(buf, v)
	c.entries[key] = ctxEntry{kind: kindBytes, b: buf}
	return nil
}

func (c *Context) Bytes(key string) ([]byte, error) {
	e, ok := c.entries[key]
	if !ok {
		return nil, engineFaultf("context key %q not present", key)
	}
	if e.kind != kindBytes {
		return nil, engineFaultf("context key %q holds %v, accessed as %v", key, e.kind, kindBytes)
	}
	return e.b, nil
}

func (c *Context) PutString(key, v string) error {
	if err := c.checkKind(key, kindString); err != nil {
		return err
	}
	c.entries[key] = ctxEntry{kind: kindString, s: v}
	return nil
}

func (c *Context) String(key string) (string, error) {
	e, ok := c.entries[key]
	if !ok {
		return "", engineFaultf("context key %q not present", key)
	}
	if e.kind != kindString {
		return "", engineFaultf("context key %q holds %v, accessed as %v", key, e.kind, kindString)
	}
	return e.s, nil
}

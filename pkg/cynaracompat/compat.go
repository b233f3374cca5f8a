// Package cynaracompat offers the legacy Cynara-style function names
// as thin forwarders onto pkg/cynclient, for callers migrating off
// the original C ABI.
//
// Grounded on compat/src/lib-compat.c, which wraps the modern
// rcyn-client.c entry points under their old cynara_* names without
// adding behavior of its own; this package does the same renaming in
// Go, one function per legacy entry point actually exercised by
// migrating callers (the full historical surface is not reproduced).
package cynaracompat

import (
	"github.com/iotbzh/cynagora/pkg/cynclient"
	"github.com/iotbzh/cynagora/pkg/rule"
)

// CheckCache is the legacy cynara_check_cache: a single-shot check
// against a fresh connection, returning the classic tri-state
// ("yes"/"no"/"ack" collapsed to true/false/indeterminate) the
// original ABI exposed as CYNARA_API_ACCESS_ALLOWED and friends.
func CheckCache(socketURI, client, session, user, permission string) (allowed bool, indeterminate bool, err error) {
	c, err := cynclient.Open(socketURI)
	if err != nil {
		return false, false, err
	}
	defer c.Close()

	verdict, _, err := c.Check(rule.Key{Client: client, Session: session, User: user, Permission: permission})
	if err != nil {
		return false, false, err
	}
	switch verdict {
	case "yes":
		return true, false, nil
	case "no":
		return false, false, nil
	default:
		return false, true, nil
	}
}

// PolicyAdmin is the legacy cynara_admin handle: an open transaction
// on the admin socket, mirroring CreatePolicyAdmin/cynara_admin_new.
type PolicyAdmin struct {
	c *cynclient.Client
}

// CreatePolicyAdmin is the legacy cynara_admin_new.
func CreatePolicyAdmin(adminSocketURI string) (*PolicyAdmin, error) {
	c, err := cynclient.Open(adminSocketURI)
	if err != nil {
		return nil, err
	}
	return &PolicyAdmin{c: c}, nil
}

// Close is the legacy cynara_admin_finish.
func (p *PolicyAdmin) Close() error { return p.c.Close() }

// SetPolicies is the legacy cynara_admin_set_policies: open a
// transaction, queue every rule, and commit, matching lib-compat.c's
// all-or-nothing bucket application. It takes no bucket name: every
// rule goes to the single implicit bucket.
func (p *PolicyAdmin) SetPolicies(rules []struct {
	Key        rule.Key
	Verdict    string
	ExpireText string
}) error {
	if err := p.c.Enter(); err != nil {
		return err
	}
	for _, r := range rules {
		if err := p.c.Set(r.Key, r.Verdict, r.ExpireText); err != nil {
			_ = p.c.Leave(false)
			return err
		}
	}
	return p.c.Leave(true)
}

// EraseBucket is the legacy cynara_admin_erase. Bucketing is not
// supported (spec.md's Open Question): only "" and "default" are
// accepted as bucket, and any other bucket name is
// rejected rather than silently ignored the way the original
// compat shim aliased everything to a fictitious default bucket.
func (p *PolicyAdmin) EraseBucket(bucket string, key rule.Key) error {
	if bucket != "" && bucket != "default" {
		return errBucketingUnsupported
	}
	if err := p.c.Enter(); err != nil {
		return err
	}
	if err := p.c.Drop(key); err != nil {
		_ = p.c.Leave(false)
		return err
	}
	return p.c.Leave(true)
}

var errBucketingUnsupported = &bucketError{}

type bucketError struct{}

func (*bucketError) Error() string {
	return "cynaracompat: policy buckets are not supported, only the default bucket exists"
}

package checker

import (
	"context"

	"github.com/jmcleod/uiagate/uia"
)

const StageDummy = "m.login.dummy"

// Dummy implements m.login.dummy, which always passes.
type Dummy struct {
	uia.NopHooks
}

var _ uia.Checker = Dummy{}

func (Dummy) SupportedAuthTypes() []string { return []string{StageDummy} }

func (Dummy) Params(context.Context, *uia.Session, string, string) (map[string]any, error) {
	return nil, nil
}

func (Dummy) Check(context.Context, *uia.Request, string) (bool, error) { return true, nil }

func (Dummy) IsUserEnrolled(context.Context, string, string) (bool, error) { return true, nil }

func (Dummy) IsRequired(context.Context, string, uia.Endpoint, string) (bool, error) {
	return true, nil
}

package checker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/uiagate/bsspeke"
	"github.com/jmcleod/uiagate/internal/util"
	"github.com/jmcleod/uiagate/storage"
	"github.com/jmcleod/uiagate/uia"
)

const (
	StageBSSpekeEnrollOPRF = "m.enroll.bsspeke-ecc.oprf"
	StageBSSpekeEnroll     = "m.enroll.bsspeke-ecc.enroll"
	StageBSSpekeLoginOPRF  = "m.login.bsspeke-ecc.oprf"
	StageBSSpekeVerify     = "m.login.bsspeke-ecc.verify"
)

// Session scratch. Byte values are unpadded base64.
var (
	bssEnrollSalt      = uia.StageKey[string](StageBSSpekeEnrollOPRF, "salt")
	bssEnrollBlindSalt = uia.StageKey[string](StageBSSpekeEnrollOPRF, "blind_salt")
	bssEnrollP         = uia.StageKey[string](StageBSSpekeEnroll, "P")
	bssEnrollV         = uia.StageKey[string](StageBSSpekeEnroll, "V")
	bssEnrollPHF       = uia.StageKey[bsspeke.PHFParams](StageBSSpekeEnroll, "phf_params")
	bssLoginBlindSalt  = uia.StageKey[string](StageBSSpekeLoginOPRF, "blind_salt")
	bssLoginUser       = uia.StageKey[string](StageBSSpekeLoginOPRF, "user_id")
	bssLoginSecret     = uia.StageKey[string](StageBSSpekeLoginOPRF, "b")
	bssLoginPublic     = uia.StageKey[string](StageBSSpekeLoginOPRF, "B")
)

// BSSpekeStore persists users' BS-SPEKE verifiers.
type BSSpekeStore interface {
	GetBSSpekeUser(ctx context.Context, userID string) (*storage.BSSpekeUser, error)
	SetBSSpekeUser(ctx context.Context, u *storage.BSSpekeUser) error
	DeleteBSSpekeUser(ctx context.Context, userID string) error
}

// BSSpeke implements BS-SPEKE enrollment and login.
type BSSpeke struct {
	store  BSSpekeStore
	domain string
	phf    bsspeke.PHFParams
	logger *slog.Logger
}

var _ uia.Checker = (*BSSpeke)(nil)

// NewBSSpeke returns a checker for users on domain. A zero phf selects
// bsspeke.DefaultPHFParams.
func NewBSSpeke(store BSSpekeStore, domain string, phf bsspeke.PHFParams, logger *slog.Logger) *BSSpeke {
	if phf.Name == "" {
		phf = bsspeke.DefaultPHFParams
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BSSpeke{store: store, domain: domain, phf: phf, logger: logger}
}

func (c *BSSpeke) SupportedAuthTypes() []string {
	return []string{StageBSSpekeEnrollOPRF, StageBSSpekeEnroll, StageBSSpekeLoginOPRF, StageBSSpekeVerify}
}

func (c *BSSpeke) Params(_ context.Context, session *uia.Session, stage, _ string) (map[string]any, error) {
	switch stage {
	case StageBSSpekeEnrollOPRF, StageBSSpekeLoginOPRF:
		return map[string]any{
			"curve":         bsspeke.Curve,
			"hash_function": bsspeke.HashFunction,
			"phf_params":    c.phf,
		}, nil
	case StageBSSpekeEnroll:
		if blindSalt, ok := bssEnrollBlindSalt.Get(session); ok {
			return map[string]any{"blind_salt": blindSalt}, nil
		}
	case StageBSSpekeVerify:
		blindSalt, ok1 := bssLoginBlindSalt.Get(session)
		B, ok2 := bssLoginPublic.Get(session)
		if ok1 && ok2 {
			return map[string]any{"blind_salt": blindSalt, "B": B}, nil
		}
	}
	return nil, nil
}

type bssOPRFAuth struct {
	Curve      string      `json:"curve" mod:"trim,lcase" validate:"required"`
	Blind      string      `json:"blind" validate:"required"`
	Identifier *Identifier `json:"identifier"`
	User       string      `json:"user" mod:"trim"`
}

type bssEnrollAuth struct {
	P         string            `json:"P" validate:"required"`
	V         string            `json:"V" validate:"required"`
	PHFParams bsspeke.PHFParams `json:"phf_params"`
}

type bssVerifyAuth struct {
	A        string `json:"A" validate:"required"`
	Verifier string `json:"verifier" validate:"required"`
}

func (c *BSSpeke) Check(ctx context.Context, req *uia.Request, stage string) (bool, error) {
	switch stage {
	case StageBSSpekeEnrollOPRF:
		return c.enrollOPRF(ctx, req)
	case StageBSSpekeEnroll:
		return c.enroll(ctx, req)
	case StageBSSpekeLoginOPRF:
		return c.loginOPRF(ctx, req)
	case StageBSSpekeVerify:
		return c.verify(ctx, req)
	default:
		return false, unsupported(stage)
	}
}

func (c *BSSpeke) decodeOPRF(ctx context.Context, req *uia.Request) (*bssOPRFAuth, []byte, error) {
	var auth bssOPRFAuth
	if err := req.DecodeAuth(ctx, &auth); err != nil {
		return nil, nil, err
	}
	if auth.Curve != bsspeke.Curve {
		return nil, nil, uia.BadInput(uia.CodeInvalidParam, "unsupported curve %q", auth.Curve)
	}
	blind, err := bsspeke.ParsePoint(auth.Blind)
	if err != nil {
		return nil, nil, pointError("blind", err)
	}
	return &auth, blind, nil
}

func (c *BSSpeke) enrollOPRF(ctx context.Context, req *uia.Request) (bool, error) {
	_, blind, err := c.decodeOPRF(ctx, req)
	if err != nil {
		return false, err
	}
	salt, err := bsspeke.NewSalt()
	if err != nil {
		return false, uia.Internal(fmt.Errorf("generating salt: %w", err))
	}
	blindSalt, err := bsspeke.BlindSalt(salt, blind)
	if err != nil {
		return false, pointError("blind", err)
	}
	bssEnrollSalt.Set(req.Session, util.Base64Encode(salt))
	bssEnrollBlindSalt.Set(req.Session, util.Base64Encode(blindSalt))
	return true, nil
}

func (c *BSSpeke) enroll(ctx context.Context, req *uia.Request) (bool, error) {
	if _, ok := bssEnrollSalt.Get(req.Session); !ok {
		return false, uia.BadInput(uia.CodeInvalidParam, "%s must be completed first", StageBSSpekeEnrollOPRF)
	}
	var auth bssEnrollAuth
	if err := req.DecodeAuth(ctx, &auth); err != nil {
		return false, err
	}
	P, err := bsspeke.ParsePoint(auth.P)
	if err != nil {
		return false, pointError("P", err)
	}
	V, err := bsspeke.ParsePoint(auth.V)
	if err != nil {
		return false, pointError("V", err)
	}
	phf := auth.PHFParams
	if phf.Name == "" {
		phf = c.phf
	}
	bssEnrollP.Set(req.Session, util.Base64Encode(P))
	bssEnrollV.Set(req.Session, util.Base64Encode(V))
	bssEnrollPHF.Set(req.Session, phf)
	return true, nil
}

func (c *BSSpeke) loginOPRF(ctx context.Context, req *uia.Request) (bool, error) {
	auth, blind, err := c.decodeOPRF(ctx, req)
	if err != nil {
		return false, err
	}
	userID := req.KnownUserID()
	if userID == "" {
		userID, err = loginUser(auth.Identifier, auth.User, c.domain)
		if err != nil {
			return false, err
		}
	}

	rec, err := c.store.GetBSSpekeUser(ctx, userID)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, storeError("load bsspeke user", err)
	}
	salt, err := util.Base64Decode(rec.Salt)
	if err != nil {
		return false, uia.Internal(fmt.Errorf("decoding stored salt for %s: %w", userID, err))
	}
	P, err := bsspeke.ParsePoint(rec.P)
	if err != nil {
		return false, uia.Internal(fmt.Errorf("stored P for %s: %w", userID, err))
	}
	blindSalt, err := bsspeke.BlindSalt(salt, blind)
	if err != nil {
		return false, pointError("blind", err)
	}
	b, B, err := bsspeke.Ephemeral(P)
	if err != nil {
		return false, uia.Internal(fmt.Errorf("generating ephemeral key: %w", err))
	}
	defer memguard.WipeBytes(b)

	bssLoginUser.Set(req.Session, userID)
	bssLoginBlindSalt.Set(req.Session, util.Base64Encode(blindSalt))
	bssLoginSecret.Set(req.Session, util.Base64Encode(b))
	bssLoginPublic.Set(req.Session, util.Base64Encode(B))
	return true, nil
}

func (c *BSSpeke) verify(ctx context.Context, req *uia.Request) (bool, error) {
	userID, ok1 := bssLoginUser.Get(req.Session)
	bEnc, ok2 := bssLoginSecret.Get(req.Session)
	BEnc, ok3 := bssLoginPublic.Get(req.Session)
	if !ok1 || !ok2 || !ok3 {
		return false, uia.BadInput(uia.CodeInvalidParam, "%s must be completed first", StageBSSpekeLoginOPRF)
	}
	var auth bssVerifyAuth
	if err := req.DecodeAuth(ctx, &auth); err != nil {
		return false, err
	}
	A, err := bsspeke.ParsePoint(auth.A)
	if err != nil {
		return false, pointError("A", err)
	}
	verifier, err := util.Base64Decode(auth.Verifier)
	if err != nil {
		return false, uia.BadInput(uia.CodeInvalidParam, "verifier is not valid base64")
	}

	rec, err := c.store.GetBSSpekeUser(ctx, userID)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, storeError("load bsspeke user", err)
	}
	V, err := bsspeke.ParsePoint(rec.V)
	if err != nil {
		return false, uia.Internal(fmt.Errorf("stored V for %s: %w", userID, err))
	}
	b, err := util.Base64Decode(bEnc)
	if err != nil {
		return false, uia.Internal(fmt.Errorf("decoding session secret: %w", err))
	}
	defer memguard.WipeBytes(b)
	B, err := util.Base64Decode(BEnc)
	if err != nil {
		return false, uia.Internal(fmt.Errorf("decoding session public key: %w", err))
	}

	K, err := bsspeke.ServerKey(userID, c.domain, A, B, b, V)
	if err != nil {
		return false, pointError("A", err)
	}
	defer memguard.WipeBytes(K)
	if !bsspeke.VerifyClient(K, verifier) {
		c.logger.DebugContext(ctx, "bsspeke verifier mismatch", "user_id", userID)
		return false, nil
	}
	return true, bindUser(req, userID)
}

func pointError(field string, err error) error {
	if errors.Is(err, bsspeke.ErrInvalidPoint) {
		return uia.BadInput(uia.CodeInvalidParam, "%s is not a valid curve point", field)
	}
	return uia.Internal(err)
}

func (c *BSSpeke) OnSuccess(context.Context, *uia.Request, string, string) error { return nil }

func (c *BSSpeke) OnLoggedIn(context.Context, *uia.Request, string, string) error { return nil }

func (c *BSSpeke) OnEnrolled(ctx context.Context, req *uia.Request, stage, userID string) error {
	if stage != StageBSSpekeEnroll {
		return nil
	}
	salt, ok1 := bssEnrollSalt.Get(req.Session)
	P, ok2 := bssEnrollP.Get(req.Session)
	V, ok3 := bssEnrollV.Get(req.Session)
	phf, ok4 := bssEnrollPHF.Get(req.Session)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return uia.Internal(fmt.Errorf("incomplete bsspeke enrollment in session %s", req.Session.ID()))
	}
	rec := &storage.BSSpekeUser{
		UserID:        userID,
		Curve:         bsspeke.Curve,
		P:             P,
		V:             V,
		Salt:          salt,
		PHFName:       phf.Name,
		PHFIterations: int(phf.Iterations),
		PHFBlocks:     int(phf.Blocks),
	}
	if err := c.store.SetBSSpekeUser(ctx, rec); err != nil {
		return storeError("store bsspeke user", err)
	}
	return nil
}

func (c *BSSpeke) OnUnenrolled(ctx context.Context, _ *uia.Request, userID string) error {
	if err := c.store.DeleteBSSpekeUser(ctx, userID); err != nil {
		return storeError("delete bsspeke user", err)
	}
	return nil
}

func (c *BSSpeke) IsUserEnrolled(ctx context.Context, userID, stage string) (bool, error) {
	switch stage {
	case StageBSSpekeLoginOPRF, StageBSSpekeVerify:
		_, err := c.store.GetBSSpekeUser(ctx, userID)
		if isNotFound(err) {
			return false, nil
		}
		if err != nil {
			return false, storeError("load bsspeke user", err)
		}
		return true, nil
	default:
		return true, nil
	}
}

func (c *BSSpeke) IsRequired(context.Context, string, uia.Endpoint, string) (bool, error) {
	return true, nil
}

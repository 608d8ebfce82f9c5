package actions

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/pkg/schema"
)

// CryptoActions returns all crypto-related actions.
func CryptoActions() []registry.Action {
	return []registry.Action{
		&cryptoHashAction{},
		&cryptoHMACAction{},
		&cryptoUUIDAction{},
	}
}

func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha384":
		return sha512.New384, nil
	case "md5":
		return md5.New, nil
	case "sha1":
		return sha1.New, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm: %s", algorithm)
	}
}

// --- crypto.hash ---

type cryptoHashAction struct{}

func (a *cryptoHashAction) Name() string { return "crypto.hash" }

func (a *cryptoHashAction) Schema() registry.ActionSchema {
	return registry.ActionSchema{
		Description: "Compute a cryptographic hash of the input data",
	}
}

func (a *cryptoHashAction) Validate(args map[string]any) error {
	if _, ok := args["data"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "crypto.hash requires 'data' string parameter")
	}
	return nil
}

func (a *cryptoHashAction) Execute(_ context.Context, input registry.ActionInput) (*registry.ActionOutput, error) {
	data, _ := input.Args["data"].(string)
	algorithm := stringParam(input.Args, "algorithm", "sha256")

	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}

	h := newHash()
	h.Write([]byte(data))

	return marshalOutput(map[string]any{
		"hash":      hex.EncodeToString(h.Sum(nil)),
		"algorithm": algorithm,
	})
}

// --- crypto.hmac ---

type cryptoHMACAction struct{}

func (a *cryptoHMACAction) Name() string { return "crypto.hmac" }

func (a *cryptoHMACAction) Schema() registry.ActionSchema {
	return registry.ActionSchema{
		Description: "Compute an HMAC of the input data using the given key",
	}
}

func (a *cryptoHMACAction) Validate(args map[string]any) error {
	if _, ok := args["data"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "crypto.hmac requires 'data' string parameter")
	}
	if _, ok := args["key"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "crypto.hmac requires 'key' string parameter")
	}
	return nil
}

func (a *cryptoHMACAction) Execute(_ context.Context, input registry.ActionInput) (*registry.ActionOutput, error) {
	data, _ := input.Args["data"].(string)
	key, _ := input.Args["key"].(string)
	algorithm := stringParam(input.Args, "algorithm", "sha256")

	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(newHash, []byte(key))
	mac.Write([]byte(data))

	return marshalOutput(map[string]any{
		"hmac":      hex.EncodeToString(mac.Sum(nil)),
		"algorithm": algorithm,
	})
}

// --- crypto.uuid ---

type cryptoUUIDAction struct{}

func (a *cryptoUUIDAction) Name() string { return "crypto.uuid" }

func (a *cryptoUUIDAction) Schema() registry.ActionSchema {
	return registry.ActionSchema{
		Description: "Generate a v4 UUID",
	}
}

func (a *cryptoUUIDAction) Validate(_ map[string]any) error { return nil }

func (a *cryptoUUIDAction) Execute(_ context.Context, _ registry.ActionInput) (*registry.ActionOutput, error) {
	return marshalOutput(map[string]any{"uuid": uuid.NewString()})
}

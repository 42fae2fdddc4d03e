// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rank

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnv() map[string]string {
	return map[string]string{
		EnvRank:       "1",
		EnvLocalRank:  "1",
		EnvWorldSize:  "4",
		EnvMasterAddr: "trainer-0.ddp",
		EnvMasterPort: "29500",
	}
}

func TestResolveFrom(t *testing.T) {
	id, err := ResolveFrom(MapLookup(validEnv()))
	require.NoError(t, err)
	assert.Equal(t, 1, id.Rank)
	assert.Equal(t, 1, id.LocalRank)
	assert.Equal(t, 4, id.WorldSize)
	assert.Equal(t, 4, id.LocalWorldSize, "LOCAL_WORLD_SIZE should default to WORLD_SIZE")
	assert.Equal(t, "trainer-0.ddp:29500", id.Rendezvous.Address())
	assert.False(t, id.IsMain())

	env := validEnv()
	env[EnvLocalWorldSize] = "2"
	env[EnvRank] = "0"
	env[EnvLocalRank] = "0"
	id, err = ResolveFrom(MapLookup(env))
	require.NoError(t, err)
	assert.Equal(t, 2, id.LocalWorldSize)
	assert.True(t, id.IsMain())
}

func TestResolveFromErrors(t *testing.T) {
	testCases := []struct {
		name  string
		edit  func(env map[string]string)
		field string
	}{
		{"missing rank", func(env map[string]string) { delete(env, EnvRank) }, EnvRank},
		{"missing local rank", func(env map[string]string) { delete(env, EnvLocalRank) }, EnvLocalRank},
		{"missing world size", func(env map[string]string) { delete(env, EnvWorldSize) }, EnvWorldSize},
		{"missing master addr", func(env map[string]string) { delete(env, EnvMasterAddr) }, EnvMasterAddr},
		{"missing master port", func(env map[string]string) { delete(env, EnvMasterPort) }, EnvMasterPort},
		{"rank not a number", func(env map[string]string) { env[EnvRank] = "one" }, EnvRank},
		{"zero world size", func(env map[string]string) { env[EnvWorldSize] = "0"; env[EnvRank] = "0" }, EnvWorldSize},
		{"negative world size", func(env map[string]string) { env[EnvWorldSize] = "-2" }, EnvWorldSize},
		{"rank too large", func(env map[string]string) { env[EnvRank] = "4" }, EnvRank},
		{"negative rank", func(env map[string]string) { env[EnvRank] = "-1" }, EnvRank},
		{"local rank too large", func(env map[string]string) { env[EnvLocalWorldSize] = "1" }, EnvLocalRank},
		{"port out of range", func(env map[string]string) { env[EnvMasterPort] = "70000" }, EnvMasterPort},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			env := validEnv()
			tc.edit(env)
			_, err := ResolveFrom(MapLookup(env))
			require.Error(t, err)
			var idErr *IdentityError
			require.True(t, errors.As(err, &idErr), "expected *IdentityError, got %T: %v", err, err)
			assert.Equal(t, tc.field, idErr.Field)
		})
	}
}

func TestCheckWorldSize(t *testing.T) {
	id, err := ResolveFrom(MapLookup(validEnv()))
	require.NoError(t, err)
	assert.NoError(t, id.CheckWorldSize(0))
	assert.NoError(t, id.CheckWorldSize(4))
	err = id.CheckWorldSize(3)
	var idErr *IdentityError
	require.True(t, errors.As(err, &idErr))
	assert.Equal(t, EnvWorldSize, idErr.Field)
}

func TestEnvironRoundTrip(t *testing.T) {
	id, err := ResolveFrom(MapLookup(validEnv()))
	require.NoError(t, err)
	env := make(map[string]string)
	for _, kv := range id.Environ() {
		for i := range kv {
			if kv[i] == '=' {
				env[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	id2, err := ResolveFrom(MapLookup(env))
	require.NoError(t, err)
	assert.Equal(t, id, id2)
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package crypto holds kavach key material and the two encryption paths
// built on it.
//
// # Session encryption
//
// KeyManager derives a master key from the operator credential
// (PBKDF2-SHA-256), owns a P-256 identity key pair and keeps one
// AES-256-GCM session key per conversation, derived by ECDH + HKDF:
//
//	km := crypto.NewKeyManager(crypto.WithIdentityStore(store))
//	if err := km.Initialize(ctx, credential, actorID); err != nil {
//	    return err
//	}
//	if err := km.DeriveSessionKey(peerPub, "conv-1"); err != nil {
//	    return err
//	}
//	pkt, err := km.EncryptMessage([]byte("hello"), "conv-1")
//
// DestroyAllKeys zeroes everything and leaves the manager unusable until
// the next Initialize.
//
// # Envelope encryption
//
// EnvelopeCodec protects individual records at rest. Each record gets a
// fresh data key (DEK) which is wrapped under a long-lived key encryption
// key (KEK):
//
//	kek, src, err := crypto.LoadKEK(crypto.KEKConfig{Env: "development"})
//	codec, err := crypto.NewEnvelopeCodec(kek)
//	env, err := codec.EncryptEnvelope(record)
//	err = codec.DecryptEnvelope(env, &record)
package crypto

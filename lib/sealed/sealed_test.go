// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/aide/lib/secret"
)

func TestGenerateKeypair(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer keypair.Close()

	if !strings.HasPrefix(keypair.PrivateKey.String(), "AGE-SECRET-KEY-1") {
		t.Error("private key does not have AGE-SECRET-KEY-1 prefix")
	}
	if !strings.HasPrefix(keypair.PublicKey, "age1") {
		t.Errorf("PublicKey = %q, want prefix age1", keypair.PublicKey)
	}

	// Keys should not be empty.
	if keypair.PrivateKey.Len() < 20 {
		t.Errorf("private key too short: %d chars", keypair.PrivateKey.Len())
	}
	if len(keypair.PublicKey) < 20 {
		t.Errorf("PublicKey too short: %d chars", len(keypair.PublicKey))
	}
}

func TestGenerateKeypair_Unique(t *testing.T) {
	keypair1, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer keypair1.Close()
	keypair2, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer keypair2.Close()

	if keypair1.PrivateKey.String() == keypair2.PrivateKey.String() {
		t.Error("two generated keypairs have identical private keys")
	}
	if keypair1.PublicKey == keypair2.PublicKey {
		t.Error("two generated keypairs have identical public keys")
	}
}

func TestKeypair_Close_Idempotent(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	if err := keypair.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := keypair.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestEncryptDecrypt_SingleRecipient(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer keypair.Close()

	plaintext := []byte("sk-ant-sealed-test-key")
	ciphertext, err := Encrypt(plaintext, []string{keypair.PublicKey})
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	// Ciphertext should be valid base64.
	if _, err := base64.StdEncoding.DecodeString(ciphertext); err != nil {
		t.Errorf("Encrypt() returned invalid base64: %v", err)
	}

	// Ciphertext should be different from plaintext.
	if ciphertext == string(plaintext) {
		t.Error("ciphertext equals plaintext")
	}

	// Decrypt should recover the original plaintext.
	decrypted, err := Decrypt(ciphertext, keypair.PrivateKey)
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}
	defer decrypted.Close()
	if decrypted.String() != "sk-ant-sealed-test-key" {
		t.Errorf("Decrypt() = %q, want %q", decrypted.String(), "sk-ant-sealed-test-key")
	}
}

func TestEncryptDecrypt_MultipleRecipients(t *testing.T) {
	// Generate two keypairs (simulating daemon host key + operator escrow).
	host, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer host.Close()
	operator, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer operator.Close()

	plaintext := []byte("sk-test-shared-key")
	ciphertext, err := Encrypt(plaintext, []string{host.PublicKey, operator.PublicKey})
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	// Both recipients should be able to decrypt independently.
	decryptedByHost, err := Decrypt(ciphertext, host.PrivateKey)
	if err != nil {
		t.Fatalf("Decrypt(host) error: %v", err)
	}
	defer decryptedByHost.Close()
	if decryptedByHost.String() != string(plaintext) {
		t.Errorf("Decrypt(host) = %q, want %q", decryptedByHost.String(), plaintext)
	}

	decryptedByOperator, err := Decrypt(ciphertext, operator.PrivateKey)
	if err != nil {
		t.Fatalf("Decrypt(operator) error: %v", err)
	}
	defer decryptedByOperator.Close()
	if decryptedByOperator.String() != string(plaintext) {
		t.Errorf("Decrypt(operator) = %q, want %q", decryptedByOperator.String(), plaintext)
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer keypair.Close()
	wrongKeypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer wrongKeypair.Close()

	ciphertext, err := Encrypt([]byte("secret data"), []string{keypair.PublicKey})
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	// Decrypting with the wrong key should fail.
	if _, err := Decrypt(ciphertext, wrongKeypair.PrivateKey); err == nil {
		t.Error("Decrypt() with wrong key should return error")
	}
}

func TestEncrypt_NoRecipients(t *testing.T) {
	_, err := Encrypt([]byte("data"), nil)
	if err == nil {
		t.Error("Encrypt() with no recipients should return error")
	}
	if !strings.Contains(err.Error(), "at least one recipient") {
		t.Errorf("error = %v, want 'at least one recipient'", err)
	}

	_, err = Encrypt([]byte("data"), []string{})
	if err == nil {
		t.Error("Encrypt() with empty recipients should return error")
	}
}

func TestEncrypt_InvalidRecipientKey(t *testing.T) {
	_, err := Encrypt([]byte("data"), []string{"not-a-valid-key"})
	if err == nil {
		t.Error("Encrypt() with invalid recipient key should return error")
	}
	if !strings.Contains(err.Error(), "parsing recipient key") {
		t.Errorf("error = %v, want 'parsing recipient key'", err)
	}
}

func TestDecrypt_InvalidPrivateKey(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer keypair.Close()
	ciphertext, err := Encrypt([]byte("data"), []string{keypair.PublicKey})
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	invalidKey, err := secret.NewFromBytes([]byte("not-a-valid-private-key"))
	if err != nil {
		t.Fatalf("NewFromBytes() error: %v", err)
	}
	defer invalidKey.Close()

	_, err = Decrypt(ciphertext, invalidKey)
	if err == nil {
		t.Error("Decrypt() with invalid private key should return error")
	}
	if !strings.Contains(err.Error(), "parsing private key") {
		t.Errorf("error = %v, want 'parsing private key'", err)
	}
}

func TestDecrypt_InvalidBase64(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer keypair.Close()

	_, err = Decrypt("not-valid-base64!!!", keypair.PrivateKey)
	if err == nil {
		t.Error("Decrypt() with invalid base64 should return error")
	}
	if !strings.Contains(err.Error(), "decoding base64") {
		t.Errorf("error = %v, want 'decoding base64'", err)
	}
}

func TestDecrypt_CorruptedCiphertext(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer keypair.Close()

	// Valid base64 but not valid age ciphertext.
	corruptedBase64 := base64.StdEncoding.EncodeToString([]byte("this is not age ciphertext"))

	if _, err := Decrypt(corruptedBase64, keypair.PrivateKey); err == nil {
		t.Error("Decrypt() with corrupted ciphertext should return error")
	}
}

func TestDecrypt_EmptyPlaintext(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer keypair.Close()

	ciphertext, err := Encrypt([]byte{}, []string{keypair.PublicKey})
	if err != nil {
		t.Fatalf("Encrypt(empty) error: %v", err)
	}

	// An empty credential is rejected at decrypt time.
	if _, err := Decrypt(ciphertext, keypair.PrivateKey); err == nil {
		t.Error("Decrypt() of empty plaintext should return error")
	}
}

func TestEncryptDecrypt_LargePlaintext(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer keypair.Close()

	largePlaintext := make([]byte, 64*1024)
	for i := range largePlaintext {
		largePlaintext[i] = byte(i % 256)
	}
	want := make([]byte, len(largePlaintext))
	copy(want, largePlaintext)

	ciphertext, err := Encrypt(largePlaintext, []string{keypair.PublicKey})
	if err != nil {
		t.Fatalf("Encrypt(large) error: %v", err)
	}

	decrypted, err := Decrypt(ciphertext, keypair.PrivateKey)
	if err != nil {
		t.Fatalf("Decrypt(large) error: %v", err)
	}
	defer decrypted.Close()
	got := decrypted.Bytes()
	if len(got) != len(want) {
		t.Fatalf("Decrypt(large) length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Decrypt(large) byte %d = %d, want %d", i, got[i], want[i])
			break
		}
	}
}

func TestLoadIdentity(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer keypair.Close()

	// Write the private key to an identity file with a trailing newline,
	// the way age-keygen does.
	path := filepath.Join(t.TempDir(), "identity")
	if err := os.WriteFile(path, []byte(keypair.PrivateKey.String()+"\n"), 0600); err != nil {
		t.Fatalf("writing identity file: %v", err)
	}

	identity, err := LoadIdentity(path)
	if err != nil {
		t.Fatalf("LoadIdentity() error: %v", err)
	}
	defer identity.Close()

	// The loaded identity must decrypt ciphertext sealed to the keypair.
	ciphertext, err := Encrypt([]byte("sk-test-from-file"), []string{keypair.PublicKey})
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	decrypted, err := Decrypt(ciphertext, identity)
	if err != nil {
		t.Fatalf("Decrypt() with loaded identity error: %v", err)
	}
	defer decrypted.Close()
	if decrypted.String() != "sk-test-from-file" {
		t.Errorf("Decrypt() = %q, want %q", decrypted.String(), "sk-test-from-file")
	}
}

func TestLoadIdentity_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity")
	if err := os.WriteFile(path, []byte("not an age identity"), 0600); err != nil {
		t.Fatalf("writing identity file: %v", err)
	}
	if _, err := LoadIdentity(path); err == nil {
		t.Error("LoadIdentity() with invalid contents should return error")
	}
}

func TestLoadIdentity_MissingFile(t *testing.T) {
	if _, err := LoadIdentity(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Error("LoadIdentity() with missing file should return error")
	}
}

func TestParsePublicKey(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer keypair.Close()

	if err := ParsePublicKey(keypair.PublicKey); err != nil {
		t.Errorf("ParsePublicKey(valid) error: %v", err)
	}

	if err := ParsePublicKey("not-a-valid-key"); err == nil {
		t.Error("ParsePublicKey(invalid) should return error")
	}

	if err := ParsePublicKey(""); err == nil {
		t.Error("ParsePublicKey(empty) should return error")
	}
}

func TestParsePrivateKey(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer keypair.Close()

	if err := ParsePrivateKey(keypair.PrivateKey); err != nil {
		t.Errorf("ParsePrivateKey(valid) error: %v", err)
	}

	invalidKey, err := secret.NewFromBytes([]byte("not-a-valid-key"))
	if err != nil {
		t.Fatalf("NewFromBytes() error: %v", err)
	}
	defer invalidKey.Close()
	if err := ParsePrivateKey(invalidKey); err == nil {
		t.Error("ParsePrivateKey(invalid) should return error")
	}
}

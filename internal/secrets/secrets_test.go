package secrets

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFileCredentialSourceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "master.key")
	credFile := filepath.Join(dir, "creds.enc")

	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if err := os.WriteFile(keyFile, []byte(key), 0600); err != nil {
		t.Fatalf("write key file: %v", err)
	}

	creds := map[string]Credential{
		"PLAIN": {Username: "app", Password: "s3cret"},
	}
	if err := WriteEncryptedFile(credFile, key, creds); err != nil {
		t.Fatalf("WriteEncryptedFile: %v", err)
	}

	src, err := NewFileCredentialSource(credFile, keyFile)
	if err != nil {
		t.Fatalf("NewFileCredentialSource: %v", err)
	}

	got, err := src.Resolve(context.Background(), "PLAIN")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Username != "app" || got.Password != "s3cret" {
		t.Fatalf("unexpected credential: %+v", got)
	}

	if _, err := src.Resolve(context.Background(), "UNKNOWN"); err != ErrMechanismNotFound {
		t.Fatalf("expected ErrMechanismNotFound, got %v", err)
	}
}

func TestFileCredentialSourceReload(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "master.key")
	credFile := filepath.Join(dir, "creds.enc")

	key, _ := GenerateKey()
	os.WriteFile(keyFile, []byte(key), 0600)
	WriteEncryptedFile(credFile, key, map[string]Credential{"PLAIN": {Username: "a", Password: "1"}})

	src, err := NewFileCredentialSource(credFile, keyFile)
	if err != nil {
		t.Fatalf("NewFileCredentialSource: %v", err)
	}

	WriteEncryptedFile(credFile, key, map[string]Credential{"PLAIN": {Username: "b", Password: "2"}})
	if err := src.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	got, err := src.Resolve(context.Background(), "PLAIN")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Username != "b" {
		t.Fatalf("expected reloaded credential, got %+v", got)
	}
}

func TestAWSIAMCredentialSourceStaticKeys(t *testing.T) {
	src, err := NewAWSIAMCredentialSourceWithStaticKeys("AWS_IAM", "AKIAEXAMPLE", "secretkey")
	if err != nil {
		t.Fatalf("NewAWSIAMCredentialSourceWithStaticKeys: %v", err)
	}

	got, err := src.Resolve(context.Background(), "AWS_IAM")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Username != "AKIAEXAMPLE" || got.Password != "secretkey" {
		t.Fatalf("unexpected credential: %+v", got)
	}

	if _, err := src.Resolve(context.Background(), "OTHER"); err != ErrMechanismNotFound {
		t.Fatalf("expected ErrMechanismNotFound, got %v", err)
	}
}

package state

import (
	"encoding/base64"
	"fmt"
)

func (k WeftPrivateKey) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(k[:])), nil
}
func (k WeftPublicKey) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(k[:])), nil
}
func (k *WeftPrivateKey) UnmarshalText(text []byte) error {
	data, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(data) != len(k) {
		return fmt.Errorf("private key must be %d bytes, got %d", len(k), len(data))
	}
	*k = WeftPrivateKey(data)
	return nil
}
func (k *WeftPublicKey) UnmarshalText(text []byte) error {
	data, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(data) != len(k) {
		return fmt.Errorf("public key must be %d bytes, got %d", len(k), len(data))
	}
	*k = WeftPublicKey(data)
	return nil
}

// Copyright 2025 Certen Protocol
//
// multisig-participant is a minimal, non-interactive reference driver
// for pkg/signer. It exists to exercise the wire protocol end to end
// (auth, transaction receipt, signing, submission); a real participant
// UI is a separate project.

package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/certen/hedera-multisig-coordinator/pkg/signer"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags)

	var (
		serverURL   = flag.String("server", "ws://localhost:3000/ws", "Coordinator wire-server URL")
		sessionID   = flag.String("session", "", "Session ID")
		token       = flag.String("token", "", "Session token")
		label       = flag.String("label", "", "Optional participant label")
		keyHex      = flag.String("key", "", "Hex-encoded Ed25519 private key (generated if omitted)")
		autoApprove = flag.Bool("auto-approve", false, "Sign any transaction received without prompting")
	)
	flag.Parse()

	if *sessionID == "" || *token == "" {
		fmt.Println("multisig-participant: --session and --token are required")
		flag.PrintDefaults()
		os.Exit(2)
	}

	privateKey, err := loadOrGenerateKey(*keyHex)
	if err != nil {
		log.Fatalf("failed to load key: %v", err)
	}
	sign, err := signer.NewEd25519Signer(privateKey)
	if err != nil {
		log.Fatalf("failed to construct signer: %v", err)
	}
	log.Printf("participant public key: %s", sign.PublicKeyHex())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	client, err := signer.Dial(ctx, signer.Config{
		ServerURL: *serverURL,
		SessionID: *sessionID,
		Token:     *token,
		Label:     *label,
		Signer:    sign,
		Approve: func(view signer.TransactionView) signer.Decision {
			log.Printf("transaction received: checksum=%s expires_at=%s", view.Checksum, view.Frozen.ExpiresAt)
			if len(view.AdvisoryMetadata) > 0 {
				log.Printf("advisory (unverified) metadata: %s", view.AdvisoryMetadata)
			}
			if !*autoApprove {
				log.Printf("auto-approve disabled; rejecting (run with --auto-approve to sign)")
				return signer.Decision{Approve: false, Reason: "manual approval not implemented in reference driver"}
			}
			return signer.Decision{Approve: true}
		},
	})
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer client.Close()

	if err := client.MarkReady(); err != nil {
		log.Fatalf("failed to mark ready: %v", err)
	}
	log.Printf("connected and ready; waiting for transaction...")

	<-ctx.Done()
}

func loadOrGenerateKey(hexKey string) (ed25519.PrivateKey, error) {
	if hexKey != "" {
		raw, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("invalid --key hex: %w", err)
		}
		return ed25519.PrivateKey(raw), nil
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return priv, nil
}

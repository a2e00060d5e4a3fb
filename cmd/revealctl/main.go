// Command revealctl is the operator toolbox: offline chain verification,
// consent hashing, guardian key management, day attestations, envelope
// housekeeping and emoji previews, all without a running gateway.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"reveal/pkg/auth"
	"reveal/pkg/chain"
	"reveal/pkg/consent"
	"reveal/pkg/emoji"
	"reveal/pkg/envelope"
	"reveal/pkg/statebus"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "gen-key":
		return genKey(args[1:], out)
	case "consent-hash":
		return consentHash(args[1:], out)
	case "verify-chain":
		return verifyChain(args[1:], out)
	case "attest-day":
		return attestDay(args[1:], out)
	case "verify-attestation":
		return verifyAttestation(args[1:], out)
	case "purge-envelopes":
		return purgeEnvelopes(args[1:], out)
	case "encode-preview":
		return encodePreview(args[1:], out)
	case "mirror-audit":
		return mirrorAudit(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "revealctl commands:")
	fmt.Fprintln(out, "  gen-key --out-private private.key --out-public public.key")
	fmt.Fprintln(out, "  consent-hash --secret <secret> [--salt <salt>]")
	fmt.Fprintln(out, "  verify-chain --dir audit --start 2026-03-01 [--end 2026-03-08]")
	fmt.Fprintln(out, "  attest-day --dir audit --day 2026-03-08 --private private.key --kid guardian-1")
	fmt.Fprintln(out, "  verify-attestation --attestation att.json [--public public.key | --vault-addr https://vault --vault-token t]")
	fmt.Fprintln(out, "  purge-envelopes --state-dir state [--max 100]")
	fmt.Fprintln(out, "  encode-preview --intent <intent> [--domain d] [--priority p] [--perf x] [--symbols 5] [--salt s]")
	fmt.Fprintln(out, "  mirror-audit --brokers host:9092 [--topic reveal.audit] [--group revealctl-mirror] [--dir audit-mirror] [--max 0]")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func genKey(args []string, out io.Writer) error {
	fs := newFlagSet("gen-key")
	outPriv := fs.String("out-private", "private.key", "private key output")
	outPub := fs.String("out-public", "public.key", "public key output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := os.WriteFile(*outPriv, []byte(base64.StdEncoding.EncodeToString(priv)), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(*outPub, []byte(base64.StdEncoding.EncodeToString(pub)), 0o600); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	fmt.Fprintf(out, "wrote %s and %s\n", *outPriv, *outPub)
	return nil
}

func consentHash(args []string, out io.Writer) error {
	fs := newFlagSet("consent-hash")
	secret := fs.String("secret", "", "consent secret")
	salt := fs.String("salt", "", "hashing salt, defaults to the built-in salt")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secret == "" {
		return errors.New("secret required")
	}
	fmt.Fprintln(out, consent.NewHasher(*salt).Hash(*secret))
	return nil
}

func verifyChain(args []string, out io.Writer) error {
	fs := newFlagSet("verify-chain")
	dir := fs.String("dir", "audit", "journal directory")
	start := fs.String("start", "", "start day YYYY-MM-DD")
	end := fs.String("end", "", "end day, empty for a single day")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *start == "" {
		return errors.New("start required")
	}

	c := chain.New(chain.NewFSJournal(*dir), consent.NewHasher(""))
	report, err := c.VerifyRange(context.Background(), *start, *end)
	if err != nil {
		return fmt.Errorf("verify chain: %w", err)
	}
	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	fmt.Fprintln(out, string(encoded))
	if !report.OK {
		return errors.New("chain verification failed")
	}
	return nil
}

func attestDay(args []string, out io.Writer) error {
	fs := newFlagSet("attest-day")
	dir := fs.String("dir", "audit", "journal directory")
	day := fs.String("day", "", "day YYYY-MM-DD, defaults to today")
	privatePath := fs.String("private", "", "base64 private key path")
	kid := fs.String("kid", "", "guardian key id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *privatePath == "" || *kid == "" {
		return errors.New("private and kid required")
	}
	if *day == "" {
		*day = time.Now().UTC().Format("2006-01-02")
	}

	ctx := context.Background()
	c := chain.New(chain.NewFSJournal(*dir), consent.NewHasher(""))
	report, err := c.VerifyRange(ctx, *day, "")
	if err != nil {
		return fmt.Errorf("verify day: %w", err)
	}
	if !report.OK {
		return fmt.Errorf("refusing to attest: day %s failed verification (%s)", *day, report.Days[0].Reason)
	}

	pkRaw, err := os.ReadFile(*privatePath)
	if err != nil {
		return fmt.Errorf("read private key: %w", err)
	}
	privBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(pkRaw)))
	if err != nil {
		return fmt.Errorf("decode private key: %w", err)
	}
	if len(privBytes) != ed25519.PrivateKeySize {
		return fmt.Errorf("decode private key: invalid size %d", len(privBytes))
	}

	head, entries := c.Head(ctx, *day)
	att, err := auth.SignAttestation(ed25519.PrivateKey(privBytes), auth.Attestation{
		Day:      *day,
		HeadHash: head,
		Entries:  entries,
		Kid:      *kid,
	})
	if err != nil {
		return fmt.Errorf("sign attestation: %w", err)
	}
	encoded, err := json.MarshalIndent(att, "", "  ")
	if err != nil {
		return fmt.Errorf("encode attestation: %w", err)
	}
	fmt.Fprintln(out, string(encoded))
	return nil
}

func verifyAttestation(args []string, out io.Writer) error {
	fs := newFlagSet("verify-attestation")
	attPath := fs.String("attestation", "", "attestation json path")
	publicPath := fs.String("public", "", "base64 public key path")
	vaultAddr := fs.String("vault-addr", "", "vault address for a transit key lookup by kid")
	vaultToken := fs.String("vault-token", "", "vault token")
	vaultTransit := fs.String("vault-transit", "transit", "vault transit mount")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *attPath == "" {
		return errors.New("attestation required")
	}

	raw, err := os.ReadFile(*attPath)
	if err != nil {
		return fmt.Errorf("read attestation: %w", err)
	}
	var att auth.Attestation
	if err := json.Unmarshal(raw, &att); err != nil {
		return fmt.Errorf("decode attestation: %w", err)
	}

	var pub ed25519.PublicKey
	switch {
	case *publicPath != "":
		pkRaw, err := os.ReadFile(*publicPath)
		if err != nil {
			return fmt.Errorf("read public key: %w", err)
		}
		pubBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(pkRaw)))
		if err != nil {
			return fmt.Errorf("decode public key: %w", err)
		}
		if len(pubBytes) != ed25519.PublicKeySize {
			return fmt.Errorf("decode public key: invalid size %d", len(pubBytes))
		}
		pub = ed25519.PublicKey(pubBytes)
	case *vaultAddr != "":
		ks := auth.VaultTransitKeyStore{Addr: *vaultAddr, Token: *vaultToken, Transit: *vaultTransit}
		rec, err := ks.GetKey(context.Background(), att.Kid)
		if err != nil {
			return fmt.Errorf("vault key lookup: %w", err)
		}
		if len(rec.PublicKey) != ed25519.PublicKeySize {
			return fmt.Errorf("vault key %s: invalid size %d", att.Kid, len(rec.PublicKey))
		}
		pub = ed25519.PublicKey(rec.PublicKey)
	default:
		return errors.New("public or vault-addr required")
	}

	if err := auth.VerifyAttestation(pub, att); err != nil {
		return fmt.Errorf("attestation invalid: %w", err)
	}
	fmt.Fprintf(out, "attestation for %s verified (kid %s, head %s, %d entries)\n", att.Day, att.Kid, att.HeadHash, att.Entries)
	return nil
}

func purgeEnvelopes(args []string, out io.Writer) error {
	fs := newFlagSet("purge-envelopes")
	stateDir := fs.String("state-dir", "state", "envelope state directory")
	maxDelete := fs.Int("max", 0, "delete at most this many, 0 for the default cap")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store := envelope.NewStore(envelope.NewFSRepository(*stateDir), nil, nil)
	res, err := store.PurgeExpired(context.Background(), *maxDelete)
	if err != nil {
		return fmt.Errorf("purge envelopes: %w", err)
	}
	fmt.Fprintf(out, "deleted %d expired envelopes\n", res.Deleted)
	return nil
}

func mirrorAudit(args []string, out io.Writer) error {
	fs := newFlagSet("mirror-audit")
	brokers := fs.String("brokers", "", "comma separated kafka brokers")
	topic := fs.String("topic", "reveal.audit", "audit topic")
	group := fs.String("group", "revealctl-mirror", "consumer group id")
	dir := fs.String("dir", "audit-mirror", "mirror journal directory")
	maxEntries := fs.Int("max", 0, "stop after this many entries, 0 to run until interrupted")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*brokers) == "" {
		return errors.New("brokers required")
	}

	consumer, err := statebus.NewKafkaConsumer(statebus.KafkaConfig{
		Brokers: strings.Split(*brokers, ","),
		Topic:   *topic,
		GroupID: *group,
	})
	if err != nil {
		return fmt.Errorf("kafka consumer: %w", err)
	}
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return mirrorEntries(ctx, consumer, chain.NewFSJournal(*dir), *maxEntries, out)
}

// mirrorEntries appends consumed audit entries to a local day-partitioned
// journal until ctx ends or maxEntries lines have been written. Messages
// that do not decode as entries are skipped.
func mirrorEntries(ctx context.Context, consumer statebus.Consumer, journal chain.Journal, maxEntries int, out io.Writer) error {
	count := 0
	for maxEntries <= 0 || count < maxEntries {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return fmt.Errorf("read message: %w", err)
		}
		var e chain.Entry
		if err := json.Unmarshal(msg.Value, &e); err != nil || len(e.TS) < 10 {
			continue
		}
		if err := journal.AppendLine(ctx, e.TS[:10], msg.Value); err != nil {
			return fmt.Errorf("append mirror line: %w", err)
		}
		count++
	}
	fmt.Fprintf(out, "mirrored %d entries\n", count)
	return nil
}

func encodePreview(args []string, out io.Writer) error {
	fs := newFlagSet("encode-preview")
	intent := fs.String("intent", "", "intent field")
	domain := fs.String("domain", "", "domain field")
	priority := fs.String("priority", "", "priority field")
	perf := fs.String("perf", "", "perf field")
	symbols := fs.Int("symbols", 5, "data symbol count")
	salt := fs.String("salt", "", "channel salt")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *intent == "" {
		return errors.New("intent required")
	}

	ch := emoji.New(*salt)
	seq, err := ch.EncodePacket(emoji.Packet{
		Intent:   *intent,
		Domain:   *domain,
		Priority: *priority,
		Perf:     *perf,
	}, *symbols)
	if err != nil {
		return fmt.Errorf("encode preview: %w", err)
	}
	decoded := ch.DecodePacket(seq)
	fmt.Fprintln(out, strings.Join(seq, " "))
	fmt.Fprintf(out, "fingerprint: %s\n", decoded.Fingerprint)
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/SaltBlocks/gumarket/params"
	"github.com/SaltBlocks/gumarket/pkg/crypto"
	"github.com/SaltBlocks/gumarket/pkg/engine"
	"github.com/SaltBlocks/gumarket/pkg/exchange"
	"github.com/SaltBlocks/gumarket/pkg/order"
	"github.com/SaltBlocks/gumarket/pkg/storage"
	"github.com/SaltBlocks/gumarket/pkg/util"
	"github.com/SaltBlocks/gumarket/pkg/wallet"
	"github.com/SaltBlocks/gumarket/pkg/websigner"
)

const usage = `market trades card NFTs on the layer-2 exchange.

Usage:
  market register                                    link the wallet to the exchange
  market balances                                    show token balances
  market price                                       show the ETH/USD spot price
  market sell <collection> <tokenID> <price> <cur>   list an NFT for sale
  market buy <collection> <tokenID> <max> <cur>      buy the cheapest listing
  market offer <collection> <tokenID> <price> <cur>  place a resting buy offer
  market transfer <collection> <tokenID> <to>        transfer an NFT
  market transfer-token <token> <amount> <to>        transfer fungible tokens
  market cancel <localID>                            cancel an order record
  market orders                                      list open order records

Prices and amounts are in base units of the currency.
The wallet is chosen with WALLET_ADDRESS, defaulting to the only wallet
file in WALLET_DIR. Set WEBSIGNER_ENABLED=true to sign with a browser
wallet instead of an unlocked wallet file.
`

// app bundles the wired components a subcommand needs.
type app struct {
	cfg     params.Config
	client  *exchange.HTTPClient
	store   *storage.OrderStore
	engine  *engine.Engine
	builder *order.Builder
	signer  engine.DigestSigner
	session *wallet.Session // nil when the web signer is active
	web     *websigner.Server
}

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(1)
	}

	cfg := params.LoadFromEnv("")
	logger, err := newLogger()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := exchange.NewHTTPClient(cfg.Exchange, util.RealClock{}, logger)

	// Read-only subcommands need no wallet or order store.
	switch os.Args[1] {
	case "price":
		runPrice(ctx, client)
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	}

	a := &app{cfg: cfg, client: client}
	a.builder = order.NewBuilder(crypto.DefaultDomain(cfg.Market.ChainID), cfg.Market.QuoteTTL, marketFees(cfg), util.RealClock{})

	a.store, err = storage.NewOrderStore(cfg.Storage.OrderDB)
	if err != nil {
		log.Fatalf("order store: %v", err)
	}
	defer a.store.Close()

	if cfg.WebSigner.Enabled {
		a.web = websigner.NewServer(logger)
		go func() {
			if err := a.web.Start(ctx, cfg.WebSigner.Addr); err != nil {
				logger.Sugar().Warnw("websigner_stopped", "err", err)
			}
		}()
		a.signer = webDigestSigner{web: a.web, addr: a.address()}
		fmt.Printf("Web signer at http://%s/, open it to sign requests.\n", cfg.WebSigner.Addr)
	} else {
		session := unlockWallet(cfg)
		defer session.Lock()
		a.session = session
		a.signer = session
	}

	a.engine = engine.New(a.builder, a.signer, a.client, a.store, cfg.Engine, util.RealClock{}, logger)

	switch os.Args[1] {
	case "register":
		runRegister(ctx, a)
	case "balances":
		runBalances(ctx, a)
	case "sell":
		runTrade(ctx, a, order.KindSell, os.Args[2:])
	case "buy":
		runBuy(ctx, a, os.Args[2:])
	case "offer":
		runTrade(ctx, a, order.KindOffer, os.Args[2:])
	case "transfer":
		runTransfer(ctx, a, os.Args[2:])
	case "transfer-token":
		runTransferToken(ctx, a, os.Args[2:])
	case "cancel":
		runCancel(ctx, a, os.Args[2:])
	case "orders":
		runOrders(a)
	default:
		fmt.Print(usage)
		os.Exit(1)
	}
}

// webDigestSigner satisfies engine.DigestSigner by queueing digests for
// the browser wallet. Used for cancel and registration signatures; the
// main submit path goes through SubmitPresigned instead.
type webDigestSigner struct {
	web  *websigner.Server
	addr common.Address
}

func (w webDigestSigner) Address() common.Address { return w.addr }

func (w webDigestSigner) SignDigest(digest []byte) ([]byte, error) {
	result, err := w.web.RequestDigestSignature(context.Background(), digest, "")
	if err != nil {
		return nil, err
	}
	if result.Address != w.addr {
		return nil, fmt.Errorf("browser wallet signed with %s, expected %s", result.Address.Hex(), w.addr.Hex())
	}
	return result.Signature, nil
}

// marketFees builds the extra fee terms attached to trade payloads.
func marketFees(cfg params.Config) []order.FeeTerm {
	if cfg.Market.FeeRecipient == "" {
		return nil
	}
	addr, err := crypto.ValidateAddress(cfg.Market.FeeRecipient)
	if err != nil {
		log.Fatalf("MARKET_FEE_RECIPIENT: %v", err)
	}
	return []order.FeeTerm{{Recipient: addr, Bps: cfg.Market.FeeBps}}
}

// newLogger tees into LOG_FILE when set, console-only otherwise.
func newLogger() (*zap.Logger, error) {
	if logFile := os.Getenv("LOG_FILE"); logFile != "" {
		return util.NewLoggerWithFile(logFile)
	}
	return util.NewLogger()
}

// unlockWallet picks the wallet file and unlocks it with a prompted
// password. The key never leaves the returned session.
func unlockWallet(cfg params.Config) *wallet.Session {
	store := wallet.NewStore(cfg.Vault, nil)
	infos, err := store.List()
	if err != nil {
		log.Fatalf("wallet dir: %v", err)
	}
	if len(infos) == 0 {
		log.Fatalf("no wallet files in %s, run 'keytool generate' first", cfg.Vault.Dir)
	}

	var path string
	if want := os.Getenv("WALLET_ADDRESS"); want != "" {
		for _, info := range infos {
			if strings.EqualFold(info.Address, want) {
				path = info.Path
			}
		}
		if path == "" {
			log.Fatalf("no wallet file for %s in %s", want, cfg.Vault.Dir)
		}
	} else if len(infos) == 1 {
		path = infos[0].Path
	} else {
		log.Fatalf("multiple wallet files in %s, set WALLET_ADDRESS", cfg.Vault.Dir)
	}

	fmt.Print("Wallet password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		log.Fatalf("read password: %v", err)
	}

	session, err := store.UnlockFile(path, password)
	crypto.Zeroize(password)
	if err != nil {
		log.Fatalf("unlock: %v", err)
	}
	fmt.Printf("Wallet %s unlocked.\n", session.Address().Hex())
	return session
}

func (a *app) address() common.Address {
	if a.session != nil {
		return a.session.Address()
	}
	if want := os.Getenv("WALLET_ADDRESS"); want != "" {
		addr, err := crypto.ValidateAddress(want)
		if err != nil {
			log.Fatalf("WALLET_ADDRESS: %v", err)
		}
		return addr
	}
	log.Fatal("set WALLET_ADDRESS when using the web signer")
	return common.Address{}
}

// submit routes an intent through the local session or the browser
// wallet, then drives it to a terminal state or Unknown.
func (a *app) submit(ctx context.Context, intent order.Intent, q order.Quote) {
	var rec *order.Record
	var err error
	if a.session != nil {
		rec, err = a.engine.Submit(ctx, intent, q)
	} else {
		rec, err = a.submitViaWeb(ctx, intent, q)
	}
	if err != nil {
		if rec != nil {
			fmt.Printf("Order %s failed in state %s: %s\n", rec.LocalID, rec.State, rec.LastError)
		}
		log.Fatalf("submit: %v", err)
	}
	fmt.Printf("Order %s submitted, remote id %d.\n", rec.LocalID, rec.RemoteID)

	status, err := a.engine.Resolve(ctx, rec)
	if errors.Is(err, engine.ErrUnknownOutcome) {
		fmt.Printf("Outcome still unknown, re-run 'market orders' later.\n")
		return
	}
	if err != nil {
		log.Fatalf("resolve: %v", err)
	}
	fmt.Printf("Order %s: %s", rec.LocalID, status.State)
	if status.Reason != "" {
		fmt.Printf(" (%s)", status.Reason)
	}
	fmt.Println()
}

func (a *app) submitViaWeb(ctx context.Context, intent order.Intent, q order.Quote) (*order.Record, error) {
	payload, err := a.builder.Build(a.address(), intent, q)
	if err != nil {
		return nil, err
	}
	fmt.Printf("Open http://%s/ to sign the %s request.\n", a.cfg.WebSigner.Addr, payload.Kind)
	result, err := a.web.RequestDigestSignature(ctx, payload.Digest, describe(intent))
	if err != nil {
		return nil, err
	}
	return a.engine.SubmitPresigned(ctx, &order.SignedOrder{
		Payload:   *payload,
		Signature: result.Signature,
		Signer:    result.Address,
	})
}

func describe(intent order.Intent) string {
	switch it := intent.(type) {
	case order.Buy:
		return fmt.Sprintf("Buy card %s from collection %s.", it.Asset.TokenID, it.Asset.Collection.Hex())
	case order.Sell:
		return fmt.Sprintf("Sell card %s for %s %s.", it.Asset.TokenID, it.AskPrice, it.Currency)
	case order.Offer:
		return fmt.Sprintf("Offer %s %s for card %s.", it.Price, it.Currency, it.Asset.TokenID)
	case order.Transfer:
		return fmt.Sprintf("Transfer card %s to %s.", it.Asset.TokenID, it.To)
	case order.TokenTransfer:
		return fmt.Sprintf("Transfer %s %s to %s.", it.Amount, it.Token, it.To)
	default:
		return "Sign a market operation."
	}
}

func runPrice(ctx context.Context, client *exchange.HTTPClient) {
	price, err := client.EthPrice(ctx)
	if err != nil {
		log.Fatalf("price: %v", err)
	}
	fmt.Printf("ETH/USD: %.2f\n", price)
}

func runRegister(ctx context.Context, a *app) {
	addr := a.address()
	linked, err := a.client.IsRegistered(ctx, addr)
	if err != nil {
		log.Fatalf("register: %v", err)
	}
	if linked {
		fmt.Printf("Wallet %s is already linked.\n", addr.Hex())
		return
	}

	digest := crypto.LinkDigest(addr)
	var sig []byte
	if a.session != nil {
		sig, err = a.session.SignDigest(digest)
	} else {
		var result websigner.SignResult
		result, err = a.web.RequestDigestSignature(ctx, digest, "Link your wallet to the exchange.")
		sig = result.Signature
	}
	if err != nil {
		log.Fatalf("register: %v", err)
	}
	if err := a.client.Register(ctx, addr, sig); err != nil {
		log.Fatalf("register: %v", err)
	}
	fmt.Printf("Wallet %s linked to the exchange.\n", addr.Hex())
}

func runBalances(ctx context.Context, a *app) {
	balances, err := a.client.Balances(ctx, a.address())
	if err != nil {
		log.Fatalf("balances: %v", err)
	}
	if len(balances) == 0 {
		fmt.Println("No balances.")
		return
	}
	for _, b := range balances {
		fmt.Printf("%-6s %s (base units, %d decimals)\n", b.Symbol, b.Amount, b.Decimals)
	}
}

func runTrade(ctx context.Context, a *app, kind order.Kind, args []string) {
	if len(args) < 4 {
		fmt.Print(usage)
		os.Exit(1)
	}
	asset := parseAsset(args[0], args[1])
	price := parseAmount(args[2])
	currency := args[3]

	nonce, err := a.client.NextNonce(ctx, a.address())
	if err != nil {
		log.Fatalf("nonce: %v", err)
	}
	q := order.Quote{Currency: currency, Nonce: nonce, FetchedAt: util.RealClock{}.Now()}

	var intent order.Intent
	if kind == order.KindOffer {
		intent = order.Offer{Asset: asset, Price: price, Currency: currency}
	} else {
		intent = order.Sell{Asset: asset, AskPrice: price, Currency: currency}
	}
	a.submit(ctx, intent, q)
}

func runBuy(ctx context.Context, a *app, args []string) {
	if len(args) < 4 {
		fmt.Print(usage)
		os.Exit(1)
	}
	asset := parseAsset(args[0], args[1])
	maxPrice := parseAmount(args[2])
	currency := args[3]

	q, err := a.client.BestOffer(ctx, asset, currency, a.address(), a.cfg.Market.FeeBps)
	if err != nil {
		log.Fatalf("quote: %v", err)
	}
	fmt.Printf("Best listing: order %d at %s %s (fees included).\n", q.OrderID, q.Price, q.Currency)

	a.submit(ctx, order.Buy{Asset: asset, MaxPrice: maxPrice, Currency: currency}, q)
}

func runTransfer(ctx context.Context, a *app, args []string) {
	if len(args) < 3 {
		fmt.Print(usage)
		os.Exit(1)
	}
	asset := parseAsset(args[0], args[1])

	nonce, err := a.client.NextNonce(ctx, a.address())
	if err != nil {
		log.Fatalf("nonce: %v", err)
	}
	q := order.Quote{Nonce: nonce, FetchedAt: util.RealClock{}.Now()}
	a.submit(ctx, order.Transfer{Asset: asset, To: args[2]}, q)
}

func runTransferToken(ctx context.Context, a *app, args []string) {
	if len(args) < 3 {
		fmt.Print(usage)
		os.Exit(1)
	}
	nonce, err := a.client.NextNonce(ctx, a.address())
	if err != nil {
		log.Fatalf("nonce: %v", err)
	}
	q := order.Quote{Nonce: nonce, FetchedAt: util.RealClock{}.Now()}
	a.submit(ctx, order.TokenTransfer{
		Token:  args[0],
		Amount: parseAmount(args[1]),
		To:     args[2],
	}, q)
}

func runCancel(ctx context.Context, a *app, args []string) {
	if len(args) < 1 {
		fmt.Print(usage)
		os.Exit(1)
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		log.Fatalf("cancel: bad record id: %v", err)
	}
	rec, err := a.store.LoadRecord(id)
	if err != nil {
		log.Fatalf("cancel: %v", err)
	}
	if rec == nil {
		log.Fatalf("cancel: no record %s", id)
	}

	nonce, err := a.client.NextNonce(ctx, a.address())
	if err != nil {
		log.Fatalf("nonce: %v", err)
	}
	if err := a.engine.Cancel(ctx, rec, nonce); err != nil {
		log.Fatalf("cancel: %v", err)
	}
	fmt.Printf("Order %s is now %s.\n", rec.LocalID, rec.State)
}

func runOrders(a *app) {
	recs, err := a.engine.OpenRecords()
	if err != nil {
		log.Fatalf("orders: %v", err)
	}
	if len(recs) == 0 {
		fmt.Println("No open orders.")
		return
	}
	for _, rec := range recs {
		fmt.Printf("%s  %-14s %-10s remote=%d  %s\n",
			rec.LocalID, rec.Kind, rec.State, rec.RemoteID, rec.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
}

func parseAsset(collection, tokenID string) order.AssetRef {
	addr, err := crypto.ValidateAddress(collection)
	if err != nil {
		log.Fatalf("collection: %v", err)
	}
	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		log.Fatalf("token id %q is not a number", tokenID)
	}
	return order.AssetRef{Collection: addr, TokenID: id}
}

func parseAmount(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() <= 0 {
		log.Fatalf("amount %q must be a positive integer in base units", s)
	}
	return v
}

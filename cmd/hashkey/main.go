// Command hashkey prints the bcrypt hash of an operator API key for the
// auth.operators section of the gateway config.
package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/LeeeWayyy/trading-platform-sub016/internal/auth"
)

func main() {
	operator := flag.String("operator", "", "operator name for the config line")
	key := flag.String("key", os.Getenv("OPERATOR_API_KEY"), "API key to hash (default: $OPERATOR_API_KEY, then stdin)")
	cost := flag.Int("cost", auth.DefaultBcryptCost, "bcrypt cost")
	generate := flag.Bool("generate", false, "generate a random key and print it with its hash")
	flag.Parse()

	if *generate {
		buf := make([]byte, 24)
		if _, err := rand.Read(buf); err != nil {
			fmt.Fprintf(os.Stderr, "failed to generate key: %v\n", err)
			os.Exit(1)
		}
		*key = hex.EncodeToString(buf)
		fmt.Printf("api_key: %s\n", *key)
	}

	if *key == "" {
		fmt.Fprint(os.Stderr, "API key: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintf(os.Stderr, "failed to read key: %v\n", err)
			os.Exit(1)
		}
		*key = strings.TrimSpace(line)
	}

	hash, err := auth.HashKey(*key, *cost)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *operator != "" {
		fmt.Printf("%s: %q\n", *operator, hash)
		return
	}
	fmt.Println(hash)
}

// Package main は APP_PASSWORD_HASH や users.password_hash に入れるハッシュを生成するコマンドです。
//
// 使い方:
//
//	go run ./cmd/hashpw            # 端末からパスワードを2回入力
//	echo -n secret | go run ./cmd/hashpw -stdin
//
// アルゴリズムとコストは API サーバーと同じ環境変数から読み込みます。
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/yourusername/bookshelf/internal/config"
	"github.com/yourusername/bookshelf/internal/password"
)

// readPassword は端末からエコーなしで読み込みます。テストで差し替えます。
var readPassword = term.ReadPassword

func main() {
	fromStdin := flag.Bool("stdin", false, "read the password from standard input instead of the terminal")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	hasher, err := newHasher(cfg)
	if err != nil {
		log.Fatalf("Failed to create hasher: %v", err)
	}

	var plaintext string
	if *fromStdin {
		plaintext, err = readLine(os.Stdin)
	} else {
		plaintext, err = promptPassword(int(os.Stdin.Fd()), os.Stderr)
	}
	if err != nil {
		log.Fatalf("Failed to read password: %v", err)
	}

	hash, err := hasher.Hash(plaintext)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}
	fmt.Println(hash)
}

func newHasher(cfg *config.Config) (*password.Hasher, error) {
	return password.New(password.Config{
		Algorithm:  password.Algorithm(cfg.PasswordAlgorithm),
		BcryptCost: cfg.BcryptCost,
		Argon2: password.Argon2Params{
			MemoryKB:    uint32(cfg.Argon2MemoryKB),
			Time:        uint32(cfg.Argon2Time),
			Parallelism: uint8(cfg.Argon2Parallelism),
		},
	})
}

// promptPassword は確認のため2回入力させ、一致した場合だけ返します。
func promptPassword(fd int, w io.Writer) (string, error) {
	fmt.Fprint(w, "Password: ")
	first, err := readPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return "", err
	}

	fmt.Fprint(w, "Confirm: ")
	second, err := readPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return "", err
	}

	if string(first) != string(second) {
		return "", errors.New("passwords do not match")
	}
	if len(first) == 0 {
		return "", errors.New("password is empty")
	}
	return string(first), nil
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("password is empty")
	}
	return line, nil
}

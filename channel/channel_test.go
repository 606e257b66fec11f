package channel

import (
	"context"
	"testing"
	"time"
)

// Test_Or は Or 関数の動作を検証し、いずれかの入力チャネルが閉じると結合されたチャネルが閉じることを保証します。
func Test_Or(t *testing.T) {
	a := make(chan struct{})
	b := make(chan struct{})
	c := make(chan struct{})

	done := Or(a, b, c)

	// まだ誰も閉じてないので、短時間では閉じないはず
	select {
	case <-done:
		t.Fatal("done should not be closed yet")
	case <-time.After(10 * time.Second):
		// OK
	}

	// どれか閉じたら閉じる
	close(c)
	select {
	case <-done:
		// OK
		close(a)
		close(b)
		t.Logf("done closed after closing c")
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for done to close after closing an input")
	}
}

// Test_OrDone は、値が適切に転送され、コンテキストのキャンセルが正しく処理されることを確認するために OrDone 関数をテストします。
func Test_OrDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan int)
	out := OrDone[int](ctx, in)

	// 1) 転送されること（順序も軽く）
	go func() {
		in <- 1
		in <- 2
		// 2) ここでは入力はまだ close しない（後で「詰まり」ケースを作る）
	}()

	select {
	case v := <-out:
		if v != 1 {
			t.Fatalf("expected 1, got %d", v)
		}

		t.Logf("first value received")
	case <-time.After(2 * time.Second):
		t.Fatal("timeout: expected first value")
	}

	select {
	case v := <-out:
		if v != 2 {
			t.Fatalf("expected 2, got %d", v)
		}
		t.Logf("second value received")
	case <-time.After(2 * time.Second):
		t.Fatal("timeout: expected second value")
	}

	// 3) out を読まない状況で in に値が来ると、OrDone は valStream への送信で詰まる可能性がある。
	//    その状態でも ctx cancel で終了できることを確認する。
	go func() { in <- 999 }()

	// 詰まるチャンスを与える（短めでOK）
	time.Sleep(1 * time.Second)

	// 4) ctx cancel で out が close される
	cancel()

	select {
	case _, ok := <-out:
		if ok {
			t.Fatal("expected out to be closed after ctx cancel")
		}
		t.Logf("out closed after ctx cancel")
	case <-time.After(2 * time.Second):
		t.Fatal("timeout: expected out to close after ctx cancel")
	}
}


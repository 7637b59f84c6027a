//
// Copyright (c) 2018 Jon Carlson.  All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.
//
package fileq

// Open is the convenience factory that opens both sides of a queue at
// base in one call. It is the named channel(path) operation from the
// external interface; the two returned handles are otherwise completely
// independent and may be handed to different goroutines or processes.
func Open(base string, opts ...Option) (*Sender, *Receiver, error) {
	sender, err := OpenSender(base, opts...)
	if err != nil {
		return nil, nil, err
	}
	receiver, err := OpenReceiver(base, opts...)
	if err != nil {
		sender.Close()
		return nil, nil, err
	}
	return sender, receiver, nil
}

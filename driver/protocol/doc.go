/*
Package protocol implements the framed request/response protocol spoken with the worker process over TCP.

Every frame carries a sequence number, a name and a Message (a map of keys to lists of byte strings).
All integers are 4-byte big-endian and every byte array is prefixed with its length:

	N seq
	N len, name
	N len, map {
		N len, key
		N len, list { N len, item }*
	}*

A length of 0xFFFFFFFF is a null array and decodes as empty.

The worker greets the client with a frame named "hello" and sequence number 0 once the connection is accepted.
Every request is answered with a frame carrying the request's sequence number, so replies are matched to
waiting callers by number rather than by order.
*/
package protocol

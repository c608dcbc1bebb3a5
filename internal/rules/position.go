package rules

import nchess "github.com/corentings/chess/v2"

var (
	knightSteps = [][2]int{{1, 2}, {2, 1}, {2, -1}, {1, -2}, {-1, -2}, {-2, -1}, {-2, 1}, {-1, 2}}
	kingSteps   = [][2]int{{1, 0}, {1, 1}, {0, 1}, {-1, 1}, {-1, 0}, {-1, -1}, {0, -1}, {1, -1}}
	rookRays    = [][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}}
	bishopRays  = [][2]int{{1, 1}, {1, -1}, {-1, 1}, {-1, -1}}
)

// kingAttacked reports whether side's king is attacked on the given board.
// A board without that king is never in check.
func kingAttacked(squares map[nchess.Square]nchess.Piece, side nchess.Color) bool {
	kf, kr, found := -1, -1, false
	for sq, p := range squares {
		if p.Type() == nchess.King && p.Color() == side {
			kf, kr, found = int(sq.File()), int(sq.Rank()), true
			break
		}
	}
	if !found {
		return false
	}
	// white pawns attack towards higher ranks
	enemy, pawnRank := nchess.Black, kr+1
	if side == nchess.Black {
		enemy, pawnRank = nchess.White, kr-1
	}

	for _, df := range []int{-1, 1} {
		if p, ok := pieceAt(squares, kf+df, pawnRank); ok && p.Color() == enemy && p.Type() == nchess.Pawn {
			return true
		}
	}
	for _, s := range knightSteps {
		if p, ok := pieceAt(squares, kf+s[0], kr+s[1]); ok && p.Color() == enemy && p.Type() == nchess.Knight {
			return true
		}
	}
	for _, s := range kingSteps {
		if p, ok := pieceAt(squares, kf+s[0], kr+s[1]); ok && p.Color() == enemy && p.Type() == nchess.King {
			return true
		}
	}
	if rayHits(squares, kf, kr, rookRays, enemy, nchess.Rook) {
		return true
	}
	return rayHits(squares, kf, kr, bishopRays, enemy, nchess.Bishop)
}

// rayHits walks each ray until the first occupied square; a hit is an enemy
// slider of the given type or a queen.
func rayHits(squares map[nchess.Square]nchess.Piece, f, r int, rays [][2]int, enemy nchess.Color, slider nchess.PieceType) bool {
	for _, ray := range rays {
		x, y := f+ray[0], r+ray[1]
		for onBoard(x, y) {
			if p, ok := pieceAt(squares, x, y); ok {
				if p.Color() == enemy && (p.Type() == slider || p.Type() == nchess.Queen) {
					return true
				}
				break
			}
			x, y = x+ray[0], y+ray[1]
		}
	}
	return false
}

func pieceAt(squares map[nchess.Square]nchess.Piece, f, r int) (nchess.Piece, bool) {
	if !onBoard(f, r) {
		return nchess.NoPiece, false
	}
	p, ok := squares[nchess.NewSquare(nchess.File(f), nchess.Rank(r))]
	if !ok || p == nchess.NoPiece {
		return nchess.NoPiece, false
	}
	return p, true
}

func onBoard(f, r int) bool { return f >= 0 && f < 8 && r >= 0 && r < 8 }
